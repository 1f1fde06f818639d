// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"bytes"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-relay/internal/dmabuf"
)

// CollectUpdates percorre o registry na ordem da lista e acumula os
// transfers pendentes de todos os sfds. É o passo "dirty → transfer list"
// do ciclo do proxy; o chamador serializa o resultado no canal.
func (m *TranslationMap) CollectUpdates() []Transfer {
	var transfers []Transfer
	for cur := m.list; cur != nil; cur = cur.next {
		m.CollectUpdate(cur, &transfers)
	}
	return transfers
}

// CollectUpdate computa o update pendente de um sfd, se houver, e anexa os
// transfers resultantes. Sem damage e sem dirty flag, não emite nada.
func (m *TranslationMap) CollectUpdate(sfd *ShadowFd, transfers *[]Transfer) {
	switch {
	case sfd.Kind == KindFile:
		m.collectFile(sfd, transfers)
	case sfd.Kind == KindDmabuf:
		m.collectDmabuf(sfd, transfers)
	case sfd.Kind.IsPipe():
		m.collectPipe(sfd, transfers)
	}
}

func (m *TranslationMap) appendTransfer(transfers *[]Transfer, tf Transfer) {
	for _, b := range tf.Blocks {
		m.bytesCollected += uint64(len(b))
	}
	*transfers = append(*transfers, tf)
}

func (m *TranslationMap) collectFile(sfd *ShadowFd, transfers *[]Transfer) {
	if !sfd.isDirty {
		// Arquivo limpo: nada indica que o conteúdo possa ter mudado.
		return
	}
	sfd.isDirty = false

	nthreads := m.pool.nthreads
	if sfd.memMirror == nil {
		// Primeiro transfer: cria o espelho e os scratch, e envia o
		// conteúdo completo comprimido.
		sfd.damage.Reset()
		sfd.memMirror = make([]byte, alignUp(sfd.fileSize, 8))
		// 8 bytes de folga por worker para a pior expansão do diff.
		sfd.diffBuffer = make([]byte, alignUp(sfd.fileSize+8*nthreads, 8))
		copy(sfd.memMirror, sfd.fileMem)

		// N compressões distintas costumam (mas não necessariamente)
		// precisar de mais espaço que uma única.
		space := m.comp.Bound(alignUp(sfd.fileSize+8, 8))
		splitSpace := nthreads * m.comp.Bound(alignUp(ceilDiv(sfd.fileSize, nthreads)+8, 8))
		space = max(space, splitSpace)
		if space > 0 {
			sfd.compressBuffer = make([]byte, space)
		}

		comp := m.comp.Compress(sfd.memMirror[:sfd.fileSize], sfd.compressBuffer)
		m.appendTransfer(transfers, singleBlockTransfer(
			sfd.Kind, sfd.RemoteID, uint32(sfd.fileSize), comp))
	}

	lo, hi, area := sfd.damage.Interval()
	lo = min(max(lo, 0), sfd.fileSize)
	hi = min(max(hi, 0), sfd.fileSize)
	area = min(area, sfd.fileSize)
	if lo >= hi {
		sfd.damage.Reset()
		return
	}
	// TODO: tornar o memcmp granular conforme a complexidade do damage.
	if bytes.Equal(sfd.fileMem[lo:hi], sfd.memMirror[lo:hi]) {
		sfd.damage.Reset()
		return
	}
	if sfd.diffBuffer == nil {
		// Sfds criados por apply ganham o diff buffer na primeira
		// edição local (tráfego reverso).
		sfd.diffBuffer = make([]byte, alignUp(sfd.fileSize+8*nthreads, 8))
	}

	if area > m.scancompThreadThreshold && nthreads > 1 {
		// Sfds vindos do peer têm scratch dimensionado para uma compressão
		// única; o layout particionado do pool pode pedir mais.
		splitSpace := nthreads * m.comp.Bound(alignUp(ceilDiv(sfd.fileSize, nthreads)+8, 8))
		if len(sfd.compressBuffer) < splitSpace {
			sfd.compressBuffer = make([]byte, splitSpace)
		}
		m.collectFileParallel(sfd, transfers)
	} else {
		diffsize := ConstructDiff(m.log, &sfd.damage, 0, CopyAll,
			sfd.memMirror[:sfd.fileSize], sfd.fileMem, sfd.diffBuffer)
		comp := m.comp.Compress(sfd.diffBuffer[:diffsize], sfd.compressBuffer)
		if len(comp) > 0 {
			m.appendTransfer(transfers, singleBlockTransfer(
				sfd.Kind, sfd.RemoteID, uint32(diffsize), comp))
		}
		m.log.Debug("diff+comp construction end",
			"rid", sfd.RemoteID, "diff", diffsize, "size", sfd.fileSize)
	}
	sfd.damage.Reset()
}

// collectFileParallel despacha o diff+compressão para o pool. A thread
// principal roda a fatia de índice zero inline e espera o restante; cada
// fatia comprimida não-vazia vira um bloco do mesmo transfer, em ordem de
// índice, e special acumula os tamanhos de diff antes da compressão.
func (m *TranslationMap) collectFileParallel(sfd *ShadowFd, transfers *[]Transfer) {
	m.pool.dispatch(taskCompressedDiff, sfd)
	m.poolTasks++

	main := workerState{index: 0, comp: m.comp}
	m.workerRunCompressedDiff(m.comp, 0, &main)
	m.pool.waitDone()

	tf := Transfer{Kind: sfd.Kind, ObjID: sfd.RemoteID}
	if main.actualSize > 0 && len(main.result) > 0 {
		tf.Special += uint32(main.actualSize)
		tf.Blocks = append(tf.Blocks, main.result)
	}
	for _, w := range m.pool.workers {
		if w.actualSize > 0 && len(w.result) > 0 {
			tf.Special += uint32(w.actualSize)
			tf.Blocks = append(tf.Blocks, w.result)
		}
	}
	if len(tf.Blocks) > 0 {
		m.appendTransfer(transfers, tf)
	}
}

// workerRunCompressedDiff processa a fatia de um worker: constrói o diff do
// range de bytes [align(k·S/N, 8), align((k+1)·S/N, 8)) numa região disjunta
// do diff buffer (o deslocamento 8·k reserva um slot de header extra por
// worker, então vizinhos nunca colidem) e comprime o resultado na fatia k
// do compress buffer.
func (m *TranslationMap) workerRunCompressedDiff(ctx *CompCtx, index int, out *workerState) {
	nthreads := m.pool.nthreads
	sfd := m.pool.target

	sourceStart := alignUp(index*sfd.fileSize/nthreads, 8)
	sourceEnd := alignUp((index+1)*sfd.fileSize/nthreads, 8)
	diffStart := sourceStart + 8*index
	diffEnd := sourceEnd + 8*(index+1)

	diffsize := ConstructDiff(m.log, &sfd.damage, sourceStart, sourceEnd,
		sfd.memMirror[:sfd.fileSize], sfd.fileMem, sfd.diffBuffer[diffStart:])
	out.actualSize = diffsize
	if diffStart+diffsize > diffEnd {
		m.log.Error("compression section overflow",
			"index", index, "diff", diffsize, "space", diffEnd-diffStart)
	}

	compStep := ctx.Bound(alignUp(ceilDiv(sfd.fileSize, nthreads)+8, 8))
	scratch := sfd.compressBuffer
	if compStep > 0 {
		scratch = sfd.compressBuffer[compStep*index : compStep*index : compStep*(index+1)]
	}
	out.result = ctx.Compress(sfd.diffBuffer[diffStart:diffStart+diffsize], scratch)
}

func (m *TranslationMap) collectDmabuf(sfd *ShadowFd, transfers *[]Transfer) {
	// Buffer limpo: não paga o map+memcmp.
	if !sfd.isDirty {
		return
	}
	sfd.isDirty = false

	first := false
	if sfd.memMirror == nil && !sfd.bufInfo.UsingVideo {
		sfd.memMirror = make([]byte, sfd.bufSize)
		// Folga para headers de diff ou para o header de layout.
		diffSpace := dmabuf.SliceDataSize + alignUp(sfd.bufSize, 8) + 8
		sfd.diffBuffer = make([]byte, diffSpace)
		if space := m.comp.Bound(diffSpace); space > 0 {
			sfd.compressBuffer = make([]byte, space)
		}
		first = true
	} else if sfd.memMirror == nil {
		// O encoder de vídeo exige folga de tail no espelho.
		sfd.memMirror = make([]byte, sfd.bufSize+16)
		first = true
	}
	if sfd.buf == nil {
		// A importação falhou na criação; sfd está inerte.
		return
	}
	data, err := sfd.buf.Map(false)
	if err != nil {
		m.log.Error("dmabuf map failed", "rid", sfd.RemoteID, "error", err)
		return
	}
	defer func() {
		if err := sfd.buf.Unmap(); err != nil {
			m.log.Error("dmabuf unmap failed", "rid", sfd.RemoteID, "error", err)
		}
	}()

	if sfd.bufInfo.UsingVideo && sfd.videoEnc != nil {
		copy(sfd.memMirror, data[:sfd.bufSize])
		m.collectVideoFromMirror(sfd, transfers, first)
		return
	}

	if first {
		copy(sfd.memMirror, data[:sfd.bufSize])
		comp := m.comp.Compress(sfd.memMirror[:sfd.bufSize], sfd.compressBuffer)
		block := make([]byte, 0, dmabuf.SliceDataSize+len(comp))
		block = append(block, sfd.bufInfo.Encode()...)
		block = append(block, comp...)
		m.log.Debug("sending initial dmabuf", "rid", sfd.RemoteID, "size", sfd.bufSize)
		m.appendTransfer(transfers, singleBlockTransfer(
			sfd.Kind, sfd.RemoteID, uint32(sfd.bufSize), block))
		return
	}

	if bytes.Equal(sfd.memMirror[:sfd.bufSize], data[:sfd.bufSize]) {
		return
	}
	if sfd.diffBuffer == nil {
		// Acontece em cenários de transporte reverso.
		sfd.diffBuffer = make([]byte, alignUp(sfd.bufSize, 8)+8)
	}
	var everything Damage
	everything.Everything()
	diffsize := ConstructDiff(m.log, &everything, 0, CopyAll,
		sfd.memMirror[:sfd.bufSize], data[:sfd.bufSize], sfd.diffBuffer)
	m.log.Debug("dmabuf diff construction end",
		"rid", sfd.RemoteID, "diff", diffsize, "size", sfd.bufSize)
	comp := m.comp.Compress(sfd.diffBuffer[:diffsize], sfd.compressBuffer)
	if len(comp) > 0 {
		m.appendTransfer(transfers, singleBlockTransfer(
			sfd.Kind, sfd.RemoteID, uint32(diffsize), comp))
	}
}

// collectVideoFromMirror delega o frame corrente ao encoder de vídeo.
// No primeiro envio o pacote ganha o header de layout na frente, como o
// caminho de diff.
func (m *TranslationMap) collectVideoFromMirror(sfd *ShadowFd, transfers *[]Transfer, first bool) {
	packet, err := sfd.videoEnc.EncodeFrame(sfd.memMirror[:sfd.bufSize], first)
	if err != nil {
		m.log.Error("video encode failed", "rid", sfd.RemoteID, "error", err)
		return
	}
	if len(packet) == 0 && !first {
		return
	}
	var block []byte
	if first {
		block = make([]byte, 0, dmabuf.SliceDataSize+len(packet))
		block = append(block, sfd.bufInfo.Encode()...)
		block = append(block, packet...)
	} else {
		block = packet
	}
	m.appendTransfer(transfers, singleBlockTransfer(
		sfd.Kind, sfd.RemoteID, uint32(sfd.bufSize), block))
}

func (m *TranslationMap) collectPipe(sfd *ShadowFd, transfers *[]Transfer) {
	// Pipes atualizam sempre, independente do fluxo de mensagens do
	// protocolo — por isso não há gate de dirty flag.
	if len(sfd.pipeRecv) == 0 && !sfd.pipeOnlyHere &&
		!(sfd.pipeLClosed && !sfd.pipeRClosed) {
		return
	}
	sfd.pipeOnlyHere = false
	closing := sfd.pipeLClosed && !sfd.pipeRClosed
	m.log.Debug("adding update to pipe",
		"rid", sfd.RemoteID, "bytes", len(sfd.pipeRecv), "close", closing)

	// O buffer de recepção é reusado no próximo ciclo de poll, então o
	// transfer carrega uma cópia. Anúncio de pipe vazio vai sem blocos.
	tf := Transfer{Kind: sfd.Kind, ObjID: sfd.RemoteID}
	if len(sfd.pipeRecv) > 0 {
		tf.Blocks = [][]byte{append([]byte(nil), sfd.pipeRecv...)}
	}
	if closing {
		tf.Special = PipeCloseFlag
		sfd.pipeRClosed = true
		if sfd.pipeFd >= 0 {
			unix.Close(sfd.pipeFd)
		}
		sfd.pipeFd = fdClosed
	}
	sfd.pipeRecv = sfd.pipeRecv[:0]
	m.appendTransfer(transfers, tf)
}
