// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-relay/internal/dmabuf"
)

// FdKind classifica um file descriptor interceptado. O valor trafega no
// frame de transfer, então a numeração é estável.
type FdKind byte

const (
	KindUnknown FdKind = 0x00
	KindFile    FdKind = 0x01 // arquivo regular (shm do display protocol)
	KindPipeIR  FdKind = 0x02 // pipe que lemos localmente
	KindPipeIW  FdKind = 0x03 // pipe que escrevemos localmente
	KindPipeRW  FdKind = 0x04 // socketpair bidirecional
	KindDmabuf  FdKind = 0x05 // buffer de GPU exportado
)

// IsPipe informa se o kind é um dos três tipos de pipe.
func (k FdKind) IsPipe() bool {
	return k == KindPipeIR || k == KindPipeIW || k == KindPipeRW
}

func (k FdKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindPipeIR:
		return "pipe-ir"
	case KindPipeIW:
		return "pipe-iw"
	case KindPipeRW:
		return "pipe-rw"
	case KindDmabuf:
		return "dmabuf"
	}
	return "unknown"
}

// Sentinels de fd: fdNone nunca foi atribuído, fdClosed já foi fechado (ou
// entregue e depois fechado). Operações sobre um sfd com FdLocal == fdClosed
// viram no-ops — é assim que um sfd degradado fica inerte.
const (
	fdNone   = -1
	fdClosed = -2
)

// pipeRecvSize é a capacidade do buffer de leitura de pipes (16 KiB).
const pipeRecvSize = 16384

// pipeSendFloor é o piso do buffer de escrita de pipes; cresce por dobra.
const pipeSendFloor = 1024

// ShadowFd é o estado local de um file descriptor espelhado: identidade,
// buffers de espelho/diff/compressão, estado de pipe e os dois contadores de
// referência que decidem o tempo de vida.
//
// O corpo inteiro pertence à thread principal; durante um diff paralelo os
// workers só tocam fatias disjuntas de diffBuffer e compressBuffer.
type ShadowFd struct {
	next *ShadowFd

	// FdLocal é o fd que a aplicação local enxerga (ou fdNone/fdClosed).
	FdLocal  int
	RemoteID int32
	Kind     FdKind

	// Estado de arquivo: mmap compartilhado da memória viva e seu tamanho.
	fileMem  []byte
	fileSize int
	// shmName é o nome do segmento criado por apply; vazio no lado origem.
	shmName string

	// Estado de dmabuf.
	buf      dmabuf.Buffer
	bufSize  int
	bufInfo  dmabuf.SliceData
	videoEnc dmabuf.VideoEncoder
	videoDec dmabuf.VideoDecoder

	// memMirror guarda o último conteúdo transmitido (base do diff).
	// diffBuffer e compressBuffer são scratch, com folga de 8 bytes por
	// worker para os headers extras do diff paralelo.
	memMirror      []byte
	diffBuffer     []byte
	compressBuffer []byte

	// Estado de pipe. pipeFd é a ponta privada do proxy; FdLocal é a ponta
	// entregue à aplicação (no lado origem são o mesmo fd).
	pipeFd       int
	pipeRecv     []byte // cap fixa pipeRecvSize; len = bytes pendentes
	pipeSend     []byte // crescimento geométrico a partir de pipeSendFloor
	pipeReadable bool
	pipeWritable bool
	pipeLClosed  bool
	pipeRClosed  bool
	// pipeOnlyHere força a primeira transmissão mesmo com o pipe vazio,
	// para que o peer crie a réplica.
	pipeOnlyHere bool

	damage  Damage
	isDirty bool

	// refProtocol conta objetos de protocolo vivos apontando para o sfd;
	// refTransfer conta transfers em trânsito ainda não confirmados.
	// hasOwner trava em true no primeiro IncrefProtocol: antes disso o sfd
	// sobrevive mesmo com ambos os contadores zerados.
	refProtocol int
	refTransfer int
	hasOwner    bool
}

// MarkDirty sinaliza que o conteúdo por trás do fd pode ter mudado.
// Chamado pelo parser quando uma mensagem do protocolo referencia o fd.
func (s *ShadowFd) MarkDirty() { s.isDirty = true }

// AddDamage registra um range de bytes suspeito.
func (s *ShadowFd) AddDamage(iv ExtInterval) { s.damage.Add(iv) }

// DamageEverything marca o buffer inteiro como suspeito.
func (s *ShadowFd) DamageEverything() { s.damage.Everything() }

// FileSize retorna o tamanho do arquivo espelhado (0 para não-arquivos).
func (s *ShadowFd) FileSize() int { return s.fileSize }

// Refcounts expõe os contadores para o reporter de estatísticas e testes.
func (s *ShadowFd) Refcounts() (protocol, transfer int, hasOwner bool) {
	return s.refProtocol, s.refTransfer, s.hasOwner
}

// destroyUnlinked libera todos os recursos de um sfd já removido da lista.
// A ordem importa: o codec de vídeo antes dos buffers que ele referencia,
// recursos tipados antes dos scratch, fd_local por último.
func (s *ShadowFd) destroyUnlinked(m *TranslationMap) {
	if s.videoEnc != nil {
		s.videoEnc.Close()
		s.videoEnc = nil
	}
	if s.videoDec != nil {
		s.videoDec.Close()
		s.videoDec = nil
	}
	switch {
	case s.Kind == KindFile:
		if s.fileMem != nil {
			if err := unix.Munmap(s.fileMem); err != nil {
				m.log.Error("munmap failed", "rid", s.RemoteID, "error", err)
			}
			s.fileMem = nil
		}
		if s.shmName != "" {
			shmUnlink(s.shmName)
		}
	case s.Kind == KindDmabuf:
		if s.buf != nil {
			if err := s.buf.Destroy(); err != nil {
				m.log.Error("dmabuf release failed", "rid", s.RemoteID, "error", err)
			}
			s.buf = nil
		}
	case s.Kind.IsPipe():
		if s.pipeFd != s.FdLocal && s.pipeFd >= 0 {
			unix.Close(s.pipeFd)
		}
		s.pipeFd = fdClosed
		s.pipeRecv = nil
		s.pipeSend = nil
	}
	s.memMirror = nil
	s.diffBuffer = nil
	s.compressBuffer = nil
	if s.FdLocal >= 0 {
		if err := unix.Close(s.FdLocal); err != nil {
			m.log.Error("incorrect close", "fd", s.FdLocal, "error", err)
		}
		s.FdLocal = fdClosed
	}
}
