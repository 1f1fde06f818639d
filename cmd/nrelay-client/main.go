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
	"time"

	"github.com/nishisan-dev/n-relay/internal/channel"
	"github.com/nishisan-dev/n-relay/internal/config"
	"github.com/nishisan-dev/n-relay/internal/dmabuf"
	"github.com/nishisan-dev/n-relay/internal/logging"
	"github.com/nishisan-dev/n-relay/internal/pki"
	"github.com/nishisan-dev/n-relay/internal/proxy"
	"github.com/nishisan-dev/n-relay/internal/shadow"
)

// nrelay-client roda no host da aplicação: cria o socket de display que as
// aplicações enxergam, disca o canal até o nrelay-server e espelha os fds
// passados pelo protocolo.
func main() {
	configPath := flag.String("config", "/etc/nrelay/client.yaml", "path to client config file")
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configPath)
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
		logger.Error("client error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig, logger *slog.Logger) error {
	// Conexão do canal, com mTLS quando configurado.
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	var conn net.Conn
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Channel.Address)
	if err != nil {
		return fmt.Errorf("connecting channel: %w", err)
	}
	if cfg.Channel.TLS.Enabled() {
		tlsCfg, err := pki.NewClientTLSConfig(
			cfg.Channel.TLS.CACert, cfg.Channel.TLS.Cert, cfg.Channel.TLS.Key)
		if err != nil {
			conn.Close()
			return err
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	mode, err := shadow.ParseCompMode(cfg.Channel.Compression)
	if err != nil {
		conn.Close()
		return err
	}
	negotiated, err := channel.HandshakeClient(conn, byte(mode))
	if err != nil {
		conn.Close()
		return err
	}
	logger.Info("channel established",
		"address", cfg.Channel.Address, "compression", shadow.CompMode(negotiated).String())

	m := shadow.NewTranslationMap(shadow.MapConfig{
		DisplaySide: false,
		Compression: shadow.CompMode(negotiated),
		Workers:     cfg.Workers,
		Device:      dmabuf.NewSoftDevice(logging.ForComponent(logger, "dmabuf")),
		Logger:      logging.ForComponent(logger, "shadow"),
	})
	defer m.Cleanup()

	sess := channel.NewSession(conn, channel.SessionConfig{
		QueueSize:   cfg.Channel.QueueRaw,
		ThrottleBps: cfg.Channel.ThrottleRaw,
		Keepalive:   cfg.Channel.Keepalive,
		Logger:      logging.ForComponent(logger, "channel"),
	})
	defer sess.Close()

	// Socket de display que as aplicações locais enxergam. O frontend de
	// protocolo (parser) se acopla aqui; o plano de dados só precisa do
	// registry para traduzir os fds que ele interceptar.
	os.Remove(cfg.Display.Socket)
	ln, err := net.Listen("unix", cfg.Display.Socket)
	if err != nil {
		return fmt.Errorf("listening on display socket: %w", err)
	}
	defer func() {
		ln.Close()
		os.Remove(cfg.Display.Socket)
	}()
	go acceptDisplayConns(ctx, ln, logger)

	loop := proxy.NewLoop(m, sess, logging.ForComponent(logger, "proxy"))

	resync, err := proxy.NewResyncScheduler(cfg.Resync.Schedule, loop,
		logging.ForComponent(logger, "resync"))
	if err != nil {
		return err
	}
	resync.Start()
	defer resync.Stop(context.Background())

	stats := proxy.NewStatsReporter(loop, cfg.Stats.Interval, logger)
	stats.Start()
	defer stats.Stop()

	status := proxy.NewStatusServer(cfg.Status.Address, loop, logger)
	status.Start()
	defer status.Stop(context.Background())

	return loop.Run(ctx)
}

func acceptDisplayConns(ctx context.Context, ln net.Listener, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("display socket accept failed", "error", err)
			}
			return
		}
		logger.Info("display client connected", "remote", conn.RemoteAddr())
		// A conexão fica com o frontend de protocolo; sem ele, mantemos o
		// socket aberto para a aplicação não receber ECONNREFUSED.
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
	}
}
