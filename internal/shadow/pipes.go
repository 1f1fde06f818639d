// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"golang.org/x/sys/unix"
)

// CountPipes retorna quantos sfds do registry são pipes, para dimensionar
// o poll set do main loop.
func (m *TranslationMap) CountPipes() int {
	np := 0
	for cur := m.list; cur != nil; cur = cur.next {
		if cur.Kind.IsPipe() {
			np++
		}
	}
	return np
}

// FillWithPipes preenche pfds com os pipes vivos: POLLIN para os que lemos
// (quando checkRead), POLLOUT apenas quando há bytes enfileirados para
// escrever. POLLHUP é reportado pelo kernel sem pedir. Retorna quantas
// entradas foram usadas.
func (m *TranslationMap) FillWithPipes(pfds []unix.PollFd, checkRead bool) int {
	np := 0
	for cur := m.list; cur != nil && np < len(pfds); cur = cur.next {
		if !cur.Kind.IsPipe() || cur.pipeLClosed || cur.pipeFd < 0 {
			continue
		}
		pfds[np].Fd = int32(cur.pipeFd)
		pfds[np].Events = 0
		if checkRead && (cur.Kind == KindPipeRW || cur.Kind == KindPipeIR) {
			pfds[np].Events |= unix.POLLIN
		}
		if len(cur.pipeSend) > 0 {
			pfds[np].Events |= unix.POLLOUT
		}
		np++
	}
	return np
}

// MarkPipeStatuses traduz os revents do poll de volta para as flags dos
// sfds correspondentes.
func (m *TranslationMap) MarkPipeStatuses(pfds []unix.PollFd) {
	for i := range pfds {
		sfd := m.lookupByPipeFd(int(pfds[i].Fd))
		if sfd == nil {
			m.log.Error("no shadow struct for polled pipe fd", "fd", pfds[i].Fd)
			continue
		}
		if pfds[i].Revents&unix.POLLIN != 0 {
			sfd.pipeReadable = true
		}
		if pfds[i].Revents&unix.POLLOUT != 0 {
			sfd.pipeWritable = true
		}
		if pfds[i].Revents&unix.POLLHUP != 0 {
			sfd.pipeLClosed = true
		}
	}
}

// FlushWritablePipes faz uma escrita nonblocking por pipe pronto, compacta
// o restante não escrito para o início da fila e libera o buffer quando ela
// esvazia.
func (m *TranslationMap) FlushWritablePipes() {
	for cur := m.list; cur != nil; cur = cur.next {
		if !cur.Kind.IsPipe() || !cur.pipeWritable || len(cur.pipeSend) == 0 {
			continue
		}
		cur.pipeWritable = false
		if cur.pipeFd < 0 {
			continue
		}
		m.log.Debug("flushing bytes into pipe",
			"rid", cur.RemoteID, "bytes", len(cur.pipeSend))
		n, err := unix.Write(cur.pipeFd, cur.pipeSend)
		switch {
		case err == unix.EAGAIN:
			// O poll avisará de novo.
		case err != nil:
			m.log.Error("failed to write into pipe",
				"rid", cur.RemoteID, "error", err)
		case n == 0:
			m.log.Debug("zero write event", "rid", cur.RemoteID)
		case n < len(cur.pipeSend):
			rest := copy(cur.pipeSend, cur.pipeSend[n:])
			cur.pipeSend = cur.pipeSend[:rest]
		default:
			cur.pipeSend = nil
		}
	}
}

// ReadReadablePipes drena cada pipe legível para o buffer de recepção, até
// a capacidade restante dele; o que não coube fica para o próximo ciclo.
func (m *TranslationMap) ReadReadablePipes() {
	for cur := m.list; cur != nil; cur = cur.next {
		if !cur.Kind.IsPipe() || !cur.pipeReadable ||
			len(cur.pipeRecv) >= cap(cur.pipeRecv) {
			continue
		}
		cur.pipeReadable = false
		if cur.pipeFd < 0 {
			continue
		}
		used := len(cur.pipeRecv)
		n, err := unix.Read(cur.pipeFd, cur.pipeRecv[used:cap(cur.pipeRecv)])
		switch {
		case err == unix.EAGAIN:
		case err != nil:
			m.log.Error("failed to read from pipe",
				"rid", cur.RemoteID, "error", err)
		case n == 0:
			m.log.Debug("zero read event", "rid", cur.RemoteID)
		default:
			m.log.Debug("read more bytes from pipe",
				"rid", cur.RemoteID, "bytes", n)
			cur.pipeRecv = cur.pipeRecv[:used+n]
		}
	}
}

// CloseLocalPipeEnds fecha os fds locais já entregues à aplicação; depois
// do handoff o proxy só precisa da ponta privada.
func (m *TranslationMap) CloseLocalPipeEnds() {
	for cur := m.list; cur != nil; cur = cur.next {
		if cur.Kind.IsPipe() && cur.FdLocal >= 0 && cur.FdLocal != cur.pipeFd {
			unix.Close(cur.FdLocal)
			cur.FdLocal = fdClosed
		}
	}
}

// CloseRclosedPipes fecha a ponta privada dos pipes cujo peer sinalizou
// fechamento remoto.
func (m *TranslationMap) CloseRclosedPipes() {
	for cur := m.list; cur != nil; cur = cur.next {
		if cur.Kind.IsPipe() && cur.pipeRClosed && !cur.pipeLClosed {
			if cur.pipeFd >= 0 {
				unix.Close(cur.pipeFd)
			}
			if cur.pipeFd == cur.FdLocal {
				cur.FdLocal = fdClosed
			}
			cur.pipeFd = fdClosed
			cur.pipeLClosed = true
		}
	}
}
