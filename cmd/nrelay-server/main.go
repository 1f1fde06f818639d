// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nishisan-dev/n-relay/internal/channel"
	"github.com/nishisan-dev/n-relay/internal/config"
	"github.com/nishisan-dev/n-relay/internal/dmabuf"
	"github.com/nishisan-dev/n-relay/internal/logging"
	"github.com/nishisan-dev/n-relay/internal/pki"
	"github.com/nishisan-dev/n-relay/internal/proxy"
	"github.com/nishisan-dev/n-relay/internal/shadow"
)

// nrelay-server roda no host do display: escuta o canal, reconstrói os fds
// anunciados pelo peer e replica os updates para dentro do compositor real.
func main() {
	configPath := flag.String("config", "/etc/nrelay/server.yaml", "path to server config file")
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Channel.Address)
	if err != nil {
		return fmt.Errorf("listening on channel address: %w", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	logger.Info("waiting for channel peer", "address", cfg.Channel.Address)

	// Uma sessão por vez: o plano de dados não suporta mais de dois peers.
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accepting channel peer: %w", err)
	}

	if cfg.Channel.TLS.Enabled() {
		tlsCfg, err := pki.NewServerTLSConfig(
			cfg.Channel.TLS.CACert, cfg.Channel.TLS.Cert, cfg.Channel.TLS.Key)
		if err != nil {
			conn.Close()
			return err
		}
		tlsConn := tls.Server(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	negotiated, err := channel.HandshakeServer(conn, func(mode byte) bool {
		return shadow.CompMode(mode).Valid()
	})
	if err != nil {
		conn.Close()
		return err
	}

	sessLogger, sessCloser, err := logging.NewSessionLogger(
		logger, cfg.Logging.SessionDir, "channel-session")
	if err != nil {
		logger.Warn("session log unavailable", "error", err)
		sessLogger = logger
	} else {
		defer sessCloser.Close()
	}
	sessLogger.Info("channel established",
		"peer", conn.RemoteAddr(), "compression", shadow.CompMode(negotiated).String())

	// Conexão com o compositor real. O frontend de protocolo fala por ela;
	// o plano de dados só precisa do registry.
	compositor, err := net.Dial("unix", cfg.Display.Socket)
	if err != nil {
		conn.Close()
		return fmt.Errorf("connecting to compositor socket: %w", err)
	}
	defer compositor.Close()

	m := shadow.NewTranslationMap(shadow.MapConfig{
		DisplaySide: true,
		Compression: shadow.CompMode(negotiated),
		Workers:     cfg.Workers,
		Device:      dmabuf.NewSoftDevice(logging.ForComponent(sessLogger, "dmabuf")),
		Logger:      logging.ForComponent(sessLogger, "shadow"),
	})
	defer m.Cleanup()

	sess := channel.NewSession(conn, channel.SessionConfig{
		QueueSize:   cfg.Channel.QueueRaw,
		ThrottleBps: cfg.Channel.ThrottleRaw,
		Keepalive:   cfg.Channel.Keepalive,
		Logger:      logging.ForComponent(sessLogger, "channel"),
	})
	defer sess.Close()

	loop := proxy.NewLoop(m, sess, logging.ForComponent(sessLogger, "proxy"))

	resync, err := proxy.NewResyncScheduler(cfg.Resync.Schedule, loop,
		logging.ForComponent(sessLogger, "resync"))
	if err != nil {
		return err
	}
	resync.Start()
	defer resync.Stop(context.Background())

	stats := proxy.NewStatsReporter(loop, cfg.Stats.Interval, sessLogger)
	stats.Start()
	defer stats.Stop()

	status := proxy.NewStatusServer(cfg.Status.Address, loop, sessLogger)
	status.Start()
	defer status.Stop(context.Background())

	return loop.Run(ctx)
}
