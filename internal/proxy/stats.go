// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// StatsReporter emite métricas periódicas do plano de dados no log:
// população do registry, bytes coletados/aplicados e consumo do processo.
type StatsReporter struct {
	loop      *Loop
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria o reporter com o intervalo configurado.
func NewStatsReporter(loop *Loop, interval time.Duration, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		loop:      loop,
		logger:    logger.With("component", "stats_reporter"),
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()
	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	st := sr.loop.Stats()
	args := []any{
		"uptime_s", time.Since(sr.startTime).Seconds(),
		"files", st.Files,
		"dmabufs", st.Dmabufs,
		"pipes", st.Pipes,
		"bytes_collected", st.BytesCollected,
		"bytes_applied", st.BytesApplied,
		"pool_tasks", st.PoolTasks,
		"workers", st.Workers,
		"compression", st.Compression,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpuPct, err := proc.CPUPercent(); err == nil {
			args = append(args, "cpu_percent", cpuPct)
		}
		if mi, err := proc.MemoryInfo(); err == nil {
			args = append(args, "rss_bytes", mi.RSS)
		}
	}

	sr.logger.Info("data plane stats", args...)
}
