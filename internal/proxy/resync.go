// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ResyncScheduler agenda resyncs completos via cron expression. O cron só
// liga a flag do Loop; a varredura em si acontece na goroutine do ciclo,
// que é a dona do registry.
type ResyncScheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewResyncScheduler registra o job de resync. schedule vazio desabilita e
// retorna nil sem erro.
func NewResyncScheduler(schedule string, loop *Loop, logger *slog.Logger) (*ResyncScheduler, error) {
	if schedule == "" {
		return nil, nil
	}
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(
		slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, func() {
		logger.Info("scheduled resync requested", "schedule", schedule)
		loop.RequestResync()
	}); err != nil {
		return nil, fmt.Errorf("adding resync cron job: %w", err)
	}
	logger.Info("registered resync job", "schedule", schedule)
	return &ResyncScheduler{cron: c, logger: logger}, nil
}

// Start inicia o scheduler. No-op sobre nil.
func (s *ResyncScheduler) Start() {
	if s == nil {
		return
	}
	s.cron.Start()
}

// Stop para o scheduler, esperando jobs em andamento até o contexto expirar.
// No-op sobre nil.
func (s *ResyncScheduler) Stop(ctx context.Context) {
	if s == nil {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("resync scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("resync scheduler stop timed out")
	}
}
