// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/nishisan-dev/n-relay/internal/shadow"
)

// StatusResponse é retornado por GET /status.
type StatusResponse struct {
	Status string          `json:"status"`
	Uptime string          `json:"uptime"`
	Go     string          `json:"go"`
	Stats  shadow.MapStats `json:"stats"`
}

// StatusServer expõe um endpoint HTTP read-only com o snapshot do plano de
// dados, para inspeção por operadores.
type StatusServer struct {
	srv       *http.Server
	logger    *slog.Logger
	startTime time.Time
}

// NewStatusServer cria o servidor de status. address vazio desabilita e
// retorna nil.
func NewStatusServer(address string, loop *Loop, logger *slog.Logger) *StatusServer {
	if address == "" {
		return nil
	}
	ss := &StatusServer{
		logger:    logger.With("component", "status"),
		startTime: time.Now(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Status: "ok",
			Uptime: time.Since(ss.startTime).Round(time.Second).String(),
			Go:     runtime.Version(),
			Stats:  loop.Stats(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	ss.srv = &http.Server{Addr: address, Handler: mux}
	return ss
}

// Start sobe o listener em background. No-op sobre nil.
func (ss *StatusServer) Start() {
	if ss == nil {
		return
	}
	go func() {
		ss.logger.Info("status endpoint listening", "address", ss.srv.Addr)
		if err := ss.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ss.logger.Error("status endpoint failed", "error", err)
		}
	}()
}

// Stop derruba o listener. No-op sobre nil.
func (ss *StatusServer) Stop(ctx context.Context) {
	if ss == nil {
		return
	}
	ss.srv.Shutdown(ctx)
}
