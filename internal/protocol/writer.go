// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteHandshake escreve o frame de abertura da sessão.
func WriteHandshake(w io.Writer, compression byte) error {
	if _, err := w.Write(MagicHandshake[:]); err != nil {
		return fmt.Errorf("writing handshake magic: %w", err)
	}
	if _, err := w.Write([]byte{ProtocolVersion, compression}); err != nil {
		return fmt.Errorf("writing handshake body: %w", err)
	}
	return nil
}

// WriteHandshakeACK escreve a resposta do handshake.
func WriteHandshakeACK(w io.Writer, status, compression byte) error {
	if _, err := w.Write([]byte{status, compression}); err != nil {
		return fmt.Errorf("writing handshake ack: %w", err)
	}
	return nil
}

// WritePing escreve o frame de keepalive.
func WritePing(w io.Writer) error {
	if _, err := w.Write(MagicPing[:]); err != nil {
		return fmt.Errorf("writing ping: %w", err)
	}
	return nil
}

// WritePong escreve a resposta do keepalive.
func WritePong(w io.Writer) error {
	if _, err := w.Write(MagicPong[:]); err != nil {
		return fmt.Errorf("writing pong: %w", err)
	}
	return nil
}

// WriteBatch escreve um ciclo completo de transfers. A ordem é preservada:
// o peer aplica na sequência em que o planner emitiu.
func WriteBatch(w io.Writer, transfers []Transfer) error {
	if _, err := w.Write(MagicBatch[:]); err != nil {
		return fmt.Errorf("writing batch magic: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(transfers))); err != nil {
		return fmt.Errorf("writing batch count: %w", err)
	}
	for i := range transfers {
		if err := writeTransfer(w, &transfers[i]); err != nil {
			return fmt.Errorf("writing transfer %d: %w", i, err)
		}
	}
	return nil
}

func writeTransfer(w io.Writer, tf *Transfer) error {
	var hdr [13]byte
	hdr[0] = tf.Kind
	binary.BigEndian.PutUint32(hdr[1:], uint32(tf.ObjID))
	binary.BigEndian.PutUint32(hdr[5:], tf.Special)
	binary.BigEndian.PutUint32(hdr[9:], uint32(len(tf.Blocks)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing transfer header: %w", err)
	}
	for _, block := range tf.Blocks {
		var size [4]byte
		binary.BigEndian.PutUint32(size[:], uint32(len(block)))
		if _, err := w.Write(size[:]); err != nil {
			return fmt.Errorf("writing block size: %w", err)
		}
		if _, err := w.Write(block); err != nil {
			return fmt.Errorf("writing block data: %w", err)
		}
	}
	return nil
}
