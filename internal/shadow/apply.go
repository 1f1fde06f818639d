// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-relay/internal/dmabuf"
)

// Segmentos shm criados por apply vivem em /dev/shm com nomes
// "/nrelay<pid>-data_<rid>"; o pid mantém o nome único entre instâncias.
const shmDir = "/dev/shm"

func shmName(rid int32) string {
	return fmt.Sprintf("/nrelay%d-data_%d", os.Getpid(), rid)
}

func shmUnlink(name string) {
	unix.Unlink(shmDir + name)
}

// ApplyUpdate aplica um transfer recebido do peer: resolve o sfd pelo
// remote ID, criando a réplica local se for o primeiro contato, e replica o
// update no espelho e no recurso local (mmap, dmabuf ou fila do pipe).
// Falhas deixam o sfd num estado válido porém degradado; o transporte
// continua com os demais fds.
func (m *TranslationMap) ApplyUpdate(tf *Transfer) {
	sfd := m.LookupByRemoteID(tf.ObjID)
	if sfd == nil {
		m.createFromUpdate(tf)
		return
	}
	for _, b := range tf.Blocks {
		m.bytesApplied += uint64(len(b))
	}
	switch {
	case sfd.Kind == KindFile:
		m.applyFile(sfd, tf)
	case sfd.Kind.IsPipe():
		m.applyPipe(sfd, tf)
	case sfd.Kind == KindDmabuf:
		m.applyDmabuf(sfd, tf)
	}
}

func (m *TranslationMap) applyFile(sfd *ShadowFd, tf *Transfer) {
	if tf.Kind != sfd.Kind {
		m.log.Error("transfer type mismatch",
			"rid", sfd.RemoteID, "transfer", tf.Kind, "sfd", sfd.Kind)
	}
	if sfd.memMirror == nil || sfd.fileMem == nil {
		m.log.Error("file update for sfd without local mapping, skipping",
			"rid", sfd.RemoteID)
		return
	}
	// Pior caso de expansão do diff: 8 bytes por worker do lado remoto.
	limit := sfd.fileSize + 8*maxRemoteWorkers
	for _, block := range tf.Blocks {
		act := m.comp.Decompress(block, sfd.compressBuffer, int(tf.Special))
		if len(act) == 0 {
			continue
		}
		if len(act) > limit {
			m.log.Error("transfer size mismatch",
				"rid", sfd.RemoteID, "got", len(act), "size", sfd.fileSize)
			continue
		}
		if err := ApplyDiff(sfd.memMirror[:sfd.fileSize], act); err != nil {
			m.log.Error("diff application failed", "rid", sfd.RemoteID, "error", err)
			continue
		}
		// O mmap vivo e o espelho precisam ficar consistentes.
		if err := ApplyDiff(sfd.fileMem[:sfd.fileSize], act); err != nil {
			m.log.Error("diff application to live memory failed",
				"rid", sfd.RemoteID, "error", err)
		}
	}
}

// maxRemoteWorkers limita a expansão de diff aceita de um peer: um header
// extra por worker remoto, com teto generoso.
const maxRemoteWorkers = 128

func (m *TranslationMap) applyPipe(sfd *ShadowFd, tf *Transfer) {
	// Só as três inversões emissor/receptor são válidas: RW combina com
	// RW, e cada lado unidirecional combina com o oposto.
	rwMatch := sfd.Kind == KindPipeRW && tf.Kind == KindPipeRW
	iwMatch := sfd.Kind == KindPipeIW && tf.Kind == KindPipeIR
	irMatch := sfd.Kind == KindPipeIR && tf.Kind == KindPipeIW
	if !rwMatch && !iwMatch && !irMatch {
		m.log.Error("transfer type contramismatch",
			"rid", sfd.RemoteID, "transfer", tf.Kind, "sfd", sfd.Kind)
	}

	for _, block := range tf.Blocks {
		if len(block) == 0 {
			continue
		}
		need := len(sfd.pipeSend) + len(block)
		if cap(sfd.pipeSend) < need {
			newCap := max(cap(sfd.pipeSend), pipeSendFloor)
			for newCap < need {
				newCap *= 2
			}
			grown := make([]byte, len(sfd.pipeSend), newCap)
			copy(grown, sfd.pipeSend)
			sfd.pipeSend = grown
		}
		sfd.pipeSend = append(sfd.pipeSend, block...)
	}

	// O pipe em si é drenado (ou fechado) depois, por FlushWritablePipes.
	sfd.pipeWritable = true
	if tf.Special&PipeCloseFlag != 0 {
		sfd.pipeRClosed = true
	}
}

func (m *TranslationMap) applyDmabuf(sfd *ShadowFd, tf *Transfer) {
	if sfd.buf == nil {
		m.log.Error("update for nonexistent dmabuf object", "rid", sfd.RemoteID)
		return
	}
	if len(tf.Blocks) == 0 {
		return
	}

	if sfd.bufInfo.UsingVideo {
		if sfd.videoDec == nil {
			m.log.Error("video update without decoder", "rid", sfd.RemoteID)
			return
		}
		if err := sfd.videoDec.ApplyPacket(sfd.memMirror[:sfd.bufSize], tf.Blocks[0]); err != nil {
			m.log.Error("video packet failed", "rid", sfd.RemoteID, "error", err)
			return
		}
		// O frame decodificado entra por memcpy do espelho.
		data, err := sfd.buf.Map(true)
		if err != nil {
			m.log.Error("dmabuf map failed", "rid", sfd.RemoteID, "error", err)
			return
		}
		copy(data, sfd.memMirror[:sfd.bufSize])
		if err := sfd.buf.Unmap(); err != nil {
			m.log.Error("dmabuf unmap failed", "rid", sfd.RemoteID, "error", err)
		}
		return
	}

	data, err := sfd.buf.Map(true)
	if err != nil {
		m.log.Error("dmabuf map failed", "rid", sfd.RemoteID, "error", err)
		return
	}
	defer func() {
		if err := sfd.buf.Unmap(); err != nil {
			m.log.Error("dmabuf unmap failed", "rid", sfd.RemoteID, "error", err)
		}
	}()
	for _, block := range tf.Blocks {
		act := m.comp.Decompress(block, sfd.compressBuffer, int(tf.Special))
		if len(act) == 0 {
			continue
		}
		if err := ApplyDiff(sfd.memMirror[:sfd.bufSize], act); err != nil {
			m.log.Error("dmabuf diff failed", "rid", sfd.RemoteID, "error", err)
			continue
		}
		if err := ApplyDiff(data[:sfd.bufSize], act); err != nil {
			m.log.Error("dmabuf diff to live data failed", "rid", sfd.RemoteID, "error", err)
		}
	}
}

// createFromUpdate materializa a réplica local de um sfd anunciado pelo
// peer: um segmento shm para arquivos, um pipe/socketpair com o tipo
// invertido para pipes, um buffer novo do backend para dmabufs.
func (m *TranslationMap) createFromUpdate(tf *Transfer) {
	m.log.Debug("introducing new fd", "rid", tf.ObjID, "kind", tf.Kind)
	sfd := &ShadowFd{
		next:     m.list,
		FdLocal:  fdNone,
		RemoteID: tf.ObjID,
		Kind:     tf.Kind,
		pipeFd:   fdNone,
	}
	m.list = sfd
	// A referência nasce em um: mesmo sem dono conhecido, o sfd não pode
	// morrer antes do fd ser entregue pela conexão do display.
	sfd.refTransfer = 1

	var firstBlock []byte
	if len(tf.Blocks) > 0 {
		firstBlock = tf.Blocks[0]
	}
	for _, b := range tf.Blocks {
		m.bytesApplied += uint64(len(b))
	}

	switch {
	case tf.Kind == KindFile:
		m.createFileFromUpdate(sfd, tf, firstBlock)
	case tf.Kind.IsPipe():
		m.createPipeFromUpdate(sfd, tf)
	case tf.Kind == KindDmabuf:
		m.createDmabufFromUpdate(sfd, tf, firstBlock)
	default:
		m.log.Error("creating unknown fd type from update", "rid", tf.ObjID)
	}
}

func (m *TranslationMap) createFileFromUpdate(sfd *ShadowFd, tf *Transfer, block []byte) {
	sfd.fileSize = int(tf.Special)
	sfd.memMirror = make([]byte, alignUp(sfd.fileSize, 8))
	if space := m.comp.Bound(alignUp(sfd.fileSize, 8) + 8); space > 0 {
		sfd.compressBuffer = make([]byte, space)
	}

	// Só na primeira vez o payload é cópia direta da origem.
	act := m.comp.Decompress(block, sfd.compressBuffer, sfd.fileSize)
	copy(sfd.memMirror, act)

	sfd.shmName = shmName(sfd.RemoteID)
	fd, err := unix.Open(shmDir+sfd.shmName, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		m.log.Error("failed to create shm segment",
			"rid", sfd.RemoteID, "name", sfd.shmName, "error", err)
		return
	}
	sfd.FdLocal = fd
	if err := unix.Ftruncate(fd, int64(sfd.fileSize)); err != nil {
		m.log.Error("failed to resize shm segment",
			"name", sfd.shmName, "size", sfd.fileSize, "error", err)
		return
	}
	mem, err := unix.Mmap(fd, 0, sfd.fileSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.log.Error("mmap of shm segment failed",
			"name", sfd.shmName, "size", sfd.fileSize, "error", err)
		return
	}
	sfd.fileMem = mem
	copy(sfd.fileMem, sfd.memMirror[:sfd.fileSize])
}

func (m *TranslationMap) createPipeFromUpdate(sfd *ShadowFd, tf *Transfer) {
	var pipedes [2]int
	if tf.Kind == KindPipeRW {
		des, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			m.log.Error("failed to create a socketpair", "rid", sfd.RemoteID, "error", err)
			return
		}
		pipedes = des
	} else {
		var des [2]int
		if err := unix.Pipe(des[:]); err != nil {
			m.log.Error("failed to create a pipe", "rid", sfd.RemoteID, "error", err)
			return
		}
		pipedes = des
	}

	// A aplicação recebe FdLocal; o proxy só lê e escreve em pipeFd.
	// O tipo inverte: o que o peer lê, nós escrevemos, e vice-versa.
	switch tf.Kind {
	case KindPipeIW:
		sfd.FdLocal = pipedes[1]
		sfd.pipeFd = pipedes[0]
		sfd.Kind = KindPipeIR
	case KindPipeIR:
		sfd.FdLocal = pipedes[0]
		sfd.pipeFd = pipedes[1]
		sfd.Kind = KindPipeIW
	default:
		sfd.FdLocal = pipedes[0]
		sfd.pipeFd = pipedes[1]
		sfd.Kind = KindPipeRW
	}

	if err := unix.SetNonblock(sfd.pipeFd, true); err != nil {
		m.log.Error("failed to make private pipe end nonblocking",
			"rid", sfd.RemoteID, "error", err)
		return
	}
	sfd.pipeRecv = make([]byte, 0, pipeRecvSize)
	sfd.pipeOnlyHere = false

	// Dados que vieram junto com o anúncio entram direto na fila de envio.
	if len(tf.Blocks) > 0 {
		m.applyPipe(sfd, tf)
	}
}

func (m *TranslationMap) createDmabufFromUpdate(sfd *ShadowFd, tf *Transfer, block []byte) {
	sfd.bufSize = int(tf.Special)
	sfd.memMirror = make([]byte, sfd.bufSize)
	if space := m.comp.Bound(sfd.bufSize); space > 0 {
		sfd.compressBuffer = make([]byte, space)
	}

	info, err := dmabuf.DecodeSliceData(block)
	if err != nil {
		m.log.Error("dmabuf announcement without layout header",
			"rid", sfd.RemoteID, "error", err)
		return
	}
	payload := block[dmabuf.SliceDataSize:]

	var contents []byte
	if info.UsingVideo {
		if m.video == nil {
			m.log.Error("video dmabuf with no codec configured", "rid", sfd.RemoteID)
			return
		}
		dec, err := m.video.NewDecoder(info)
		if err != nil {
			m.log.Error("video decoder setup failed", "rid", sfd.RemoteID, "error", err)
			return
		}
		sfd.videoDec = dec
		if len(payload) > 0 {
			if err := dec.ApplyPacket(sfd.memMirror, payload); err != nil {
				m.log.Error("first video frame failed", "rid", sfd.RemoteID, "error", err)
			}
		} else {
			// Sem primeiro frame: preenche com um padrão visível.
			for i := range sfd.memMirror {
				sfd.memMirror[i] = 213
			}
		}
		contents = sfd.memMirror
	} else {
		act := m.comp.Decompress(payload, sfd.compressBuffer, sfd.bufSize)
		copy(sfd.memMirror, act)
		contents = sfd.memMirror
	}

	m.log.Debug("creating remote dmabuf", "rid", sfd.RemoteID, "size", sfd.bufSize)
	if m.device == nil {
		m.log.Error("dmabuf announcement with no device configured", "rid", sfd.RemoteID)
		return
	}
	buf, err := m.device.Create(contents, info)
	if err != nil {
		m.log.Error("dmabuf creation failed", "rid", sfd.RemoteID, "error", err)
		return
	}
	sfd.buf = buf
	sfd.bufInfo = *info
	fd, err := buf.ExportFd()
	if err != nil {
		m.log.Error("dmabuf export failed", "rid", sfd.RemoteID, "error", err)
		return
	}
	sfd.FdLocal = fd
}
