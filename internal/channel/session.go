// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package channel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-relay/internal/protocol"
)

// readBufferSize é o buffer de leitura do canal.
const readBufferSize = 256 * 1024

// HandshakeClient abre a sessão do lado que disca, propondo o modo de
// compressão. Retorna o modo confirmado pelo peer.
func HandshakeClient(conn net.Conn, compression byte) (byte, error) {
	if err := protocol.WriteHandshake(conn, compression); err != nil {
		return 0, err
	}
	ack, err := protocol.ReadHandshakeACK(conn)
	if err != nil {
		return 0, err
	}
	if ack.Status != protocol.StatusGo {
		return 0, fmt.Errorf("channel: peer rejected handshake: status=%d", ack.Status)
	}
	return ack.Compression, nil
}

// HandshakeServer responde a abertura do lado que escuta. accept decide se
// o modo de compressão proposto é suportado.
func HandshakeServer(conn net.Conn, accept func(byte) bool) (byte, error) {
	hs, err := protocol.ReadHandshake(conn)
	if err != nil {
		if err == protocol.ErrInvalidVersion {
			protocol.WriteHandshakeACK(conn, protocol.StatusBadVersion, 0)
		}
		return 0, err
	}
	if !accept(hs.Compression) {
		protocol.WriteHandshakeACK(conn, protocol.StatusBadComp, 0)
		return 0, fmt.Errorf("channel: unsupported compression mode %d", hs.Compression)
	}
	if err := protocol.WriteHandshakeACK(conn, protocol.StatusGo, hs.Compression); err != nil {
		return 0, err
	}
	return hs.Compression, nil
}

// SessionConfig parametriza a sessão do canal.
type SessionConfig struct {
	// QueueSize é a capacidade da fila de saída (backpressure do planner).
	QueueSize int64
	// ThrottleBps limita a banda de escrita; 0 desabilita.
	ThrottleBps int64
	// Keepalive é o intervalo de ping em canal ocioso; 0 desabilita.
	Keepalive time.Duration
	Logger    *slog.Logger
}

// Session é a sessão ativa do canal: serializa batches de transfers na fila
// de saída (drenada por uma goroutine de envio com throttle) e entrega os
// batches recebidos pelo channel Batches.
type Session struct {
	conn net.Conn
	log  *slog.Logger
	cfg  SessionConfig

	queue *SendQueue
	out   io.Writer

	// frameMu serializa frames inteiros na fila; a goroutine de keepalive
	// e o planner não podem intercalar bytes de frames diferentes.
	frameMu sync.Mutex

	batches chan []protocol.Transfer

	lastSendNs atomic.Int64

	cancel  context.CancelFunc
	closed  atomic.Bool
	errOnce sync.Once
	err     error
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSession cria a sessão sobre uma conexão já com handshake feito e sobe
// as goroutines de envio, recepção e keepalive.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4 * 1024 * 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:    conn,
		log:     cfg.Logger,
		cfg:     cfg,
		queue:   NewSendQueue(cfg.QueueSize),
		batches: make(chan []protocol.Transfer, 4),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.out = NewThrottledWriter(ctx, conn, cfg.ThrottleBps)
	s.lastSendNs.Store(time.Now().UnixNano())

	s.wg.Add(2)
	go s.senderLoop()
	go s.readerLoop(ctx)
	if cfg.Keepalive > 0 {
		s.wg.Add(1)
		go s.keepaliveLoop(ctx)
	}
	return s
}

// SendBatch serializa um ciclo de transfers na fila de saída. Bloqueia
// quando a fila está cheia — o backpressure desejado sobre o planner.
func (s *Session) SendBatch(transfers []protocol.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := protocol.WriteBatch(&buf, transfers); err != nil {
		return fmt.Errorf("channel: encoding batch: %w", err)
	}
	return s.enqueueFrame(buf.Bytes())
}

func (s *Session) enqueueFrame(frame []byte) error {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if _, err := s.queue.Write(frame); err != nil {
		return err
	}
	s.lastSendNs.Store(time.Now().UnixNano())
	return nil
}

// Batches entrega os batches recebidos do peer, na ordem de chegada.
// O channel fecha quando a sessão termina.
func (s *Session) Batches() <-chan []protocol.Transfer {
	return s.batches
}

// Done fecha quando a sessão terminou (erro ou Close).
func (s *Session) Done() <-chan struct{} { return s.done }

// Err retorna o primeiro erro fatal da sessão, se houver.
func (s *Session) Err() error { return s.err }

// Close encerra a sessão: fecha a fila, cancela o envio, fecha a conexão e
// espera as goroutines. Bytes ainda na fila podem não chegar ao peer.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.queue.Close()
	s.cancel()
	s.conn.Close()
	s.wg.Wait()
}

func (s *Session) fail(err error) {
	s.errOnce.Do(func() {
		s.err = err
		close(s.done)
	})
	s.queue.Close()
	s.cancel()
	s.conn.Close()
}

func (s *Session) senderLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxBurstSize)
	for {
		n, err := s.queue.Next(buf)
		if err != nil {
			s.fail(err)
			return
		}
		if _, err := s.out.Write(buf[:n]); err != nil {
			s.log.Error("channel write failed", "error", err)
			s.fail(err)
			return
		}
	}
}

func (s *Session) readerLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.batches)
	br := bufio.NewReaderSize(s.conn, readBufferSize)
	for {
		frame, err := protocol.ReadFrame(br)
		if err != nil {
			if !s.closed.Load() {
				s.log.Error("channel read failed", "error", err)
			}
			s.fail(err)
			return
		}
		switch frame.Magic {
		case protocol.MagicPing:
			var pong bytes.Buffer
			protocol.WritePong(&pong)
			if err := s.enqueueFrame(pong.Bytes()); err != nil {
				s.fail(err)
				return
			}
		case protocol.MagicPong:
			// Só confirma que o peer está vivo.
		case protocol.MagicBatch:
			// O select evita travar o shutdown quando o consumidor já foi
			// embora sem drenar os batches pendentes.
			select {
			case s.batches <- frame.Transfers:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Session) keepaliveLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastSendNs.Load()))
			if idle < s.cfg.Keepalive {
				continue
			}
			var ping bytes.Buffer
			protocol.WritePing(&ping)
			if err := s.enqueueFrame(ping.Bytes()); err != nil {
				return
			}
		}
	}
}
