// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package proxy amarra o plano de dados: o ciclo principal que bombeia
// pipes, coleta updates e aplica os batches do peer, mais o scheduler de
// resync, o reporter de métricas e o endpoint de status.
package proxy

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-relay/internal/channel"
	"github.com/nishisan-dev/n-relay/internal/protocol"
	"github.com/nishisan-dev/n-relay/internal/shadow"
)

// pollTick é o timeout do poll sobre os pipes; limita a latência de
// percepção de um batch recebido quando nenhum pipe acorda o ciclo.
const pollTick = 50 * time.Millisecond

// Loop é o ciclo principal do plano de dados. Toda mutação do registry
// acontece na goroutine do Run — o resto do processo só pede trabalho por
// flags atômicas ou consome o snapshot de métricas.
type Loop struct {
	log  *slog.Logger
	m    *shadow.TranslationMap
	sess *channel.Session

	resyncWanted atomic.Bool
	snapshot     atomic.Pointer[shadow.MapStats]

	pfds []unix.PollFd
}

// NewLoop cria o ciclo sobre um registry e uma sessão de canal prontos.
func NewLoop(m *shadow.TranslationMap, sess *channel.Session, log *slog.Logger) *Loop {
	return &Loop{log: log, m: m, sess: sess}
}

// RequestResync agenda um resync completo para o próximo ciclo: todo sfd
// fica sujo com damage total, forçando um re-scan contra o espelho que
// captura mudanças que o tracking de damage do protocolo perdeu.
// Seguro de chamar de qualquer goroutine.
func (l *Loop) RequestResync() {
	l.resyncWanted.Store(true)
}

// Stats retorna o último snapshot de métricas publicado pelo ciclo.
func (l *Loop) Stats() shadow.MapStats {
	if s := l.snapshot.Load(); s != nil {
		return *s
	}
	return shadow.MapStats{}
}

// Run dirige o ciclo até o contexto cancelar ou a sessão cair.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.sess.Done():
			return l.sess.Err()
		default:
		}

		if l.resyncWanted.Swap(false) {
			l.log.Info("running scheduled full resync")
			l.m.Each(func(sfd *shadow.ShadowFd) {
				sfd.MarkDirty()
				sfd.DamageEverything()
			})
		}

		l.pumpPipes()

		if transfers := l.m.CollectUpdates(); len(transfers) > 0 {
			if err := l.sess.SendBatch(toWire(transfers)); err != nil {
				return err
			}
		}

		l.applyInbound()
		l.m.CloseLocalPipeEnds()
		l.m.CloseRclosedPipes()

		st := l.m.Stats()
		l.snapshot.Store(&st)
	}
}

// pumpPipes faz um poll limitado sobre os pipes e drena leitura/escrita.
// Sem pipes, o tick vira só o pacing do ciclo.
func (l *Loop) pumpPipes() {
	np := l.m.CountPipes()
	if np == 0 {
		time.Sleep(pollTick)
		return
	}
	if cap(l.pfds) < np {
		l.pfds = make([]unix.PollFd, np)
	}
	n := l.m.FillWithPipes(l.pfds[:np], true)
	if n == 0 {
		time.Sleep(pollTick)
		return
	}
	if _, err := unix.Poll(l.pfds[:n], int(pollTick.Milliseconds())); err != nil {
		if err != unix.EINTR {
			l.log.Error("poll over pipe set failed", "error", err)
		}
		return
	}
	l.m.MarkPipeStatuses(l.pfds[:n])
	l.m.ReadReadablePipes()
	l.m.FlushWritablePipes()
}

// applyInbound drena os batches já recebidos sem bloquear o ciclo.
func (l *Loop) applyInbound() {
	for {
		select {
		case batch, ok := <-l.sess.Batches():
			if !ok {
				return
			}
			for i := range batch {
				tf := fromWire(&batch[i])
				l.m.ApplyUpdate(&tf)
			}
			l.m.FlushWritablePipes()
		default:
			return
		}
	}
}

func toWire(transfers []shadow.Transfer) []protocol.Transfer {
	out := make([]protocol.Transfer, len(transfers))
	for i, tf := range transfers {
		out[i] = protocol.Transfer{
			Kind:    byte(tf.Kind),
			ObjID:   tf.ObjID,
			Special: tf.Special,
			Blocks:  tf.Blocks,
		}
	}
	return out
}

func fromWire(tf *protocol.Transfer) shadow.Transfer {
	return shadow.Transfer{
		Kind:    shadow.FdKind(tf.Kind),
		ObjID:   tf.ObjID,
		Special: tf.Special,
		Blocks:  tf.Blocks,
	}
}
