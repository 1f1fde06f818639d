// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler é um slog.Handler que despacha cada registro para dois
// handlers. Usado pelo logger de sessão para gravar simultaneamente no
// handler global e no arquivo dedicado da sessão do canal.
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Verifica Enabled() de cada handler antes de despachar, para que
	// registros DEBUG não vazem para um handler primário em INFO.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Erros de escrita no arquivo de sessão não devem impedir o log global.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewSessionLogger cria um logger que grava tanto no logger base quanto em
// um arquivo dedicado à sessão corrente do canal, criado em:
//
//	{sessionLogDir}/{peer}.log
//
// peer tipicamente é o endereço remoto do canal. O arquivo captura DEBUG
// completo independente do nível global. Retorna o logger combinado e um
// io.Closer que DEVE ser chamado quando a sessão terminar.
//
// Se sessionLogDir for vazio, retorna o logger base sem modificações.
func NewSessionLogger(baseLogger *slog.Logger, sessionLogDir, peer string) (*slog.Logger, io.Closer, error) {
	if sessionLogDir == "" {
		return baseLogger, io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(sessionLogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating session log directory %s: %w", sessionLogDir, err)
	}

	logPath := filepath.Join(sessionLogDir, peer+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session log file %s: %w", logPath, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}
	return slog.New(combined), f, nil
}
