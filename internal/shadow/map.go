// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"log/slog"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-relay/internal/dmabuf"
)

// TranslationMap é o registry de shadow fds de uma sessão: mapeia fds locais
// e remote IDs para sfds, cunha IDs novos e carrega o context de compressão
// e o pool de workers. A lista é singly-linked com inserção no head: lookup
// por fd retorna o sfd inserido mais recentemente, o que resolve o caso de
// fds reciclados por close/reopen antes do sfd antigo morrer.
//
// A lista e os corpos dos sfds pertencem à thread principal e só são
// mutados por ela (incluindo refcounts).
type TranslationMap struct {
	log  *slog.Logger
	list *ShadowFd

	// localSign é o sinal dos IDs cunhados neste lado (+1 aplicação,
	// -1 display); impede colisão entre os dois peers.
	localSign  int32
	maxLocalID int32

	comp *CompCtx
	pool *workerPool

	// scancompThreadThreshold é a área mínima de damage a partir da qual
	// vale pagar a latência de acordar o pool.
	scancompThreadThreshold int

	device dmabuf.Device
	video  dmabuf.VideoCodec

	// Contadores para o reporter de estatísticas.
	bytesCollected uint64
	bytesApplied   uint64
	poolTasks      uint64
}

// MapConfig parametriza a criação do registry.
type MapConfig struct {
	// DisplaySide escolhe o sinal dos remote IDs cunhados aqui.
	DisplaySide bool
	Compression CompMode
	// Workers fixa o tamanho do pool; 0 usa max(ncpu/2, 1).
	Workers int
	Device  dmabuf.Device
	Video   dmabuf.VideoCodec
	Logger  *slog.Logger
}

// Custos estimados por byte para dimensionar o threshold de paralelização
// (segundos/byte), e a latência estimada de acordar um worker.
const (
	threadSwitchDelay = 0.001
	scanRate          = 0.5e-9
	lz4Rate           = 1.5e-9
	zstdRate          = 5e-9
	gzipRate          = 6e-9
)

// NewTranslationMap cria o registry e sobe o pool de workers.
func NewTranslationMap(cfg MapConfig) *TranslationMap {
	m := &TranslationMap{
		log:        cfg.Logger,
		localSign:  1,
		maxLocalID: 1,
		comp:       NewCompCtx(cfg.Compression, cfg.Logger),
		device:     cfg.Device,
		video:      cfg.Video,
	}
	if cfg.DisplaySide {
		m.localSign = -1
	}

	nthreads := cfg.Workers
	if nthreads <= 0 {
		ncpu, err := cpu.Counts(true)
		if err != nil || ncpu <= 0 {
			ncpu = runtime.NumCPU()
		}
		nthreads = max(ncpu/2, 1)
	}

	procRate := scanRate
	switch cfg.Compression {
	case CompLZ4:
		procRate += lz4Rate
	case CompZstd:
		procRate += zstdRate
	case CompGzip:
		procRate += gzipRate
	}
	if nthreads > 1 {
		m.scancompThreadThreshold =
			int(threadSwitchDelay * float64(nthreads) /
				(procRate * float64(nthreads-1)))
	} else {
		m.scancompThreadThreshold = int(^uint(0) >> 1)
	}

	m.pool = newWorkerPool(m, nthreads, cfg.Compression)
	return m
}

// Workers retorna o tamanho do pool (contando a thread principal).
func (m *TranslationMap) Workers() int { return m.pool.nthreads }

// MapStats é um snapshot das métricas do registry para o reporter e o
// endpoint de status.
type MapStats struct {
	Files          int    `json:"files"`
	Dmabufs        int    `json:"dmabufs"`
	Pipes          int    `json:"pipes"`
	Unknown        int    `json:"unknown"`
	BytesCollected uint64 `json:"bytes_collected"`
	BytesApplied   uint64 `json:"bytes_applied"`
	PoolTasks      uint64 `json:"pool_tasks"`
	Workers        int    `json:"workers"`
	Compression    string `json:"compression"`
}

// Stats captura o snapshot corrente. Deve ser chamado pela thread que
// dirige o registry; consumidores concorrentes leem a cópia.
func (m *TranslationMap) Stats() MapStats {
	st := MapStats{
		BytesCollected: m.bytesCollected,
		BytesApplied:   m.bytesApplied,
		PoolTasks:      m.poolTasks,
		Workers:        m.pool.nthreads,
		Compression:    m.comp.Mode().String(),
	}
	for cur := m.list; cur != nil; cur = cur.next {
		switch {
		case cur.Kind == KindFile:
			st.Files++
		case cur.Kind == KindDmabuf:
			st.Dmabufs++
		case cur.Kind.IsPipe():
			st.Pipes++
		default:
			st.Unknown++
		}
	}
	return st
}

// Compression retorna o modo negociado.
func (m *TranslationMap) Compression() CompMode { return m.comp.Mode() }

// Cleanup destrói todos os sfds, o pool e os contexts de compressão.
func (m *TranslationMap) Cleanup() {
	cur := m.list
	m.list = nil
	for cur != nil {
		tmp := cur
		cur = tmp.next
		tmp.next = nil
		tmp.destroyUnlinked(m)
	}
	m.pool.stop()
	m.comp.Close()
}

// LookupByLocalFd retorna o sfd mais recente para o fd local, ou nil.
func (m *TranslationMap) LookupByLocalFd(fd int) *ShadowFd {
	for cur := m.list; cur != nil; cur = cur.next {
		if cur.FdLocal == fd {
			return cur
		}
	}
	return nil
}

// LookupByRemoteID retorna o sfd com o remote ID dado, ou nil.
func (m *TranslationMap) LookupByRemoteID(rid int32) *ShadowFd {
	for cur := m.list; cur != nil; cur = cur.next {
		if cur.RemoteID == rid {
			return cur
		}
	}
	return nil
}

func (m *TranslationMap) lookupByPipeFd(pipefd int) *ShadowFd {
	for cur := m.list; cur != nil; cur = cur.next {
		if cur.Kind.IsPipe() && cur.pipeFd == pipefd {
			return cur
		}
	}
	return nil
}

// Each percorre os sfds na ordem determinística da lista.
func (m *TranslationMap) Each(fn func(*ShadowFd)) {
	for cur := m.list; cur != nil; cur = cur.next {
		fn(cur)
	}
}

// classifyFd decide a categoria do fd via fstat. Arquivos regulares viram
// File; FIFOs e character devices viram um dos tipos de pipe conforme o
// O_ACCMODE corrente; depois disso o backend de dmabuf é sondado.
func (m *TranslationMap) classifyFd(fd int, info *dmabuf.SliceData) (FdKind, int) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		m.log.Error("fd is not file-like", "fd", fd, "error", err)
		return KindUnknown, 0
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		// Um arquivo regular reconhecido pelo backend é um buffer
		// emulado; segue o caminho de dmabuf.
		if info != nil && m.device != nil && m.device.Probe(fd) {
			return KindDmabuf, 0
		}
		return KindFile, int(st.Size)
	case unix.S_IFIFO, unix.S_IFCHR:
		if st.Mode&unix.S_IFMT == unix.S_IFCHR {
			m.log.Error("character device fd, proceeding as pipe-like",
				"fd", fd, "mode", st.Mode)
		}
		flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if err != nil {
			m.log.Error("fcntl F_GETFL failed", "fd", fd, "error", err)
		}
		switch flags & unix.O_ACCMODE {
		case unix.O_RDONLY:
			return KindPipeIR, 0
		case unix.O_WRONLY:
			return KindPipeIW, 0
		default:
			return KindPipeRW, 0
		}
	default:
		if info != nil || (m.device != nil && m.device.Probe(fd)) {
			return KindDmabuf, 0
		}
		m.log.Error("fd has an unusual mode, expect an application crash",
			"fd", fd, "mode", st.Mode, "fmt", st.Mode&unix.S_IFMT)
		return KindUnknown, 0
	}
}

// TranslateLocalFd retorna o sfd do fd, registrando um novo se preciso.
// Um sfd novo nasce com refTransfer=1 (o anúncio ao peer está pendente),
// refProtocol=0, sem dono, sujo e com damage total.
func (m *TranslationMap) TranslateLocalFd(fd int, info *dmabuf.SliceData) *ShadowFd {
	if sfd := m.LookupByLocalFd(fd); sfd != nil {
		return sfd
	}

	sfd := &ShadowFd{
		next:     m.list,
		FdLocal:  fd,
		RemoteID: m.maxLocalID * m.localSign,
		Kind:     KindUnknown,
		fileSize: 0,
		pipeFd:   fdNone,
		isDirty:  true,
	}
	m.maxLocalID++
	m.list = sfd
	sfd.damage.Everything()
	sfd.refTransfer = 1

	m.log.Debug("creating new shadow buffer", "fd", fd, "rid", sfd.RemoteID)

	kind, fsize := m.classifyFd(fd, info)
	sfd.Kind = kind
	switch {
	case kind == KindFile:
		sfd.fileSize = fsize
		mem, err := unix.Mmap(fd, 0, fsize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			m.log.Error("mmap failed", "fd", fd, "size", fsize, "error", err)
			return sfd
		}
		sfd.fileMem = mem
		// memMirror é criado no primeiro collect.
	case kind.IsPipe():
		// Nonblocking para participar do poll do main loop.
		if err := unix.SetNonblock(fd, true); err != nil {
			m.log.Error("set O_NONBLOCK failed", "fd", fd, "error", err)
		}
		sfd.pipeFd = fd
		sfd.pipeRecv = make([]byte, 0, pipeRecvSize)
		sfd.pipeOnlyHere = true
	case kind == KindDmabuf:
		if m.device == nil {
			m.log.Error("dmabuf fd with no device configured", "fd", fd)
			return sfd
		}
		buf, err := m.device.Import(fd, info)
		if err != nil {
			m.log.Error("dmabuf import failed", "fd", fd, "error", err)
			return sfd
		}
		sfd.buf = buf
		sfd.bufSize = buf.Size()
		if info != nil {
			sfd.bufInfo = *info
		}
		if info != nil && info.UsingVideo && m.video != nil {
			enc, err := m.video.NewEncoder(info)
			if err != nil {
				m.log.Error("video encoder setup failed", "rid", sfd.RemoteID, "error", err)
			} else {
				sfd.videoEnc = enc
			}
		}
	}
	return sfd
}

// destroyIfUnreferenced destrói e desencadeia o sfd quando ambos os
// contadores zeram e ele já teve dono. Contador negativo é erro de
// programação: loga e mantém o sfd vivo.
func (m *TranslationMap) destroyIfUnreferenced(sfd *ShadowFd) bool {
	if sfd.refProtocol == 0 && sfd.refTransfer == 0 && sfd.hasOwner {
		var prev *ShadowFd
		for cur := m.list; cur != nil; prev, cur = cur, cur.next {
			if cur == sfd {
				if prev == nil {
					m.list = cur.next
				} else {
					prev.next = cur.next
				}
				break
			}
		}
		sfd.destroyUnlinked(m)
		return true
	}
	if sfd.refProtocol < 0 || sfd.refTransfer < 0 {
		m.log.Error("negative refcount",
			"rid", sfd.RemoteID,
			"protocol", sfd.refProtocol,
			"transfer", sfd.refTransfer)
	}
	return false
}

// IncrefProtocol registra uma referência de objeto de protocolo e trava o
// latch de dono.
func (m *TranslationMap) IncrefProtocol(sfd *ShadowFd) *ShadowFd {
	sfd.hasOwner = true
	sfd.refProtocol++
	return sfd
}

// DecrefProtocol solta uma referência de protocolo; retorna true se o sfd
// foi destruído.
func (m *TranslationMap) DecrefProtocol(sfd *ShadowFd) bool {
	sfd.refProtocol--
	return m.destroyIfUnreferenced(sfd)
}

// IncrefTransfer registra um transfer em trânsito.
func (m *TranslationMap) IncrefTransfer(sfd *ShadowFd) *ShadowFd {
	sfd.refTransfer++
	return sfd
}

// DecrefTransfer confirma um transfer; retorna true se o sfd foi destruído.
func (m *TranslationMap) DecrefTransfer(sfd *ShadowFd) bool {
	sfd.refTransfer--
	return m.destroyIfUnreferenced(sfd)
}

// DecrefTransferredFds confirma os transfers de uma leva de fds locais.
func (m *TranslationMap) DecrefTransferredFds(fds []int) {
	for _, fd := range fds {
		if sfd := m.LookupByLocalFd(fd); sfd != nil {
			m.DecrefTransfer(sfd)
		} else {
			m.log.Error("decref for unknown local fd", "fd", fd)
		}
	}
}

// DecrefTransferredRIDs confirma os transfers de uma leva de remote IDs.
func (m *TranslationMap) DecrefTransferredRIDs(rids []int32) {
	for _, rid := range rids {
		if sfd := m.LookupByRemoteID(rid); sfd != nil {
			m.DecrefTransfer(sfd)
		} else {
			m.log.Error("decref for unknown remote id", "rid", rid)
		}
	}
}
