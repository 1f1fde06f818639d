// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadHandshake lê e valida o frame de abertura.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading handshake magic: %w", err)
	}
	if magic != MagicHandshake {
		return nil, ErrInvalidMagic
	}
	var body [2]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return nil, fmt.Errorf("reading handshake body: %w", err)
	}
	if body[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	return &Handshake{Version: body[0], Compression: body[1]}, nil
}

// ReadHandshakeACK lê a resposta do handshake.
func ReadHandshakeACK(r io.Reader) (*HandshakeACK, error) {
	var body [2]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return nil, fmt.Errorf("reading handshake ack: %w", err)
	}
	return &HandshakeACK{Status: body[0], Compression: body[1]}, nil
}

// Frame é o resultado de ReadFrame: ou um batch de transfers ou um
// keepalive.
type Frame struct {
	Magic     [4]byte
	Transfers []Transfer
}

// ReadFrame lê o próximo frame do canal, despachando pelo magic.
// Pings e pongs retornam com Transfers nil.
func ReadFrame(r io.Reader) (*Frame, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	switch magic {
	case MagicPing, MagicPong:
		return &Frame{Magic: magic}, nil
	case MagicBatch:
		transfers, err := readBatchBody(r)
		if err != nil {
			return nil, err
		}
		return &Frame{Magic: magic, Transfers: transfers}, nil
	}
	return nil, ErrInvalidMagic
}

func readBatchBody(r io.Reader) ([]Transfer, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("reading batch count: %w", err)
	}
	if count > MaxTransfersPerBatch {
		return nil, ErrFrameTooLarge
	}
	transfers := make([]Transfer, 0, count)
	for i := uint32(0); i < count; i++ {
		tf, err := readTransfer(r)
		if err != nil {
			return nil, fmt.Errorf("reading transfer %d: %w", i, err)
		}
		transfers = append(transfers, *tf)
	}
	return transfers, nil
}

func readTransfer(r io.Reader) (*Transfer, error) {
	var hdr [13]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading transfer header: %w", err)
	}
	tf := &Transfer{
		Kind:    hdr[0],
		ObjID:   int32(binary.BigEndian.Uint32(hdr[1:])),
		Special: binary.BigEndian.Uint32(hdr[5:]),
	}
	nblocks := binary.BigEndian.Uint32(hdr[9:])
	if nblocks > MaxBlocksPerTransfer {
		return nil, ErrFrameTooLarge
	}
	tf.Blocks = make([][]byte, 0, nblocks)
	for i := uint32(0); i < nblocks; i++ {
		var size uint32
		if err := binary.Read(r, binary.BigEndian, &size); err != nil {
			return nil, fmt.Errorf("reading block size: %w", err)
		}
		if size > MaxBlockSize {
			return nil, ErrFrameTooLarge
		}
		block := make([]byte, size)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, fmt.Errorf("reading block data: %w", err)
		}
		tf.Blocks = append(tf.Blocks, block)
	}
	return tf, nil
}
