// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário NRelay para comunicação
// entre os dois peers do proxy sobre o canal (TCP, opcionalmente TLS).
package protocol

import "errors"

// Magic bytes para identificação de frames.
var (
	MagicHandshake = [4]byte{'N', 'R', 'L', 'Y'}
	MagicBatch     = [4]byte{'T', 'R', 'S', 'F'}
	MagicPing      = [4]byte{'P', 'I', 'N', 'G'}
	MagicPong      = [4]byte{'P', 'O', 'N', 'G'}
)

// ProtocolVersion é a versão atual do protocolo.
const ProtocolVersion byte = 0x01

// Status codes para HandshakeACK (lado display → lado aplicação).
const (
	StatusGo         byte = 0x00 // Pronto para trocar transfers
	StatusBusy       byte = 0x01 // Já existe sessão ativa
	StatusBadVersion byte = 0x02 // Versão de protocolo incompatível
	StatusBadComp    byte = 0x03 // Modo de compressão não suportado
	StatusReject     byte = 0x04 // Peer não autorizado
)

// Limites de sanidade do reader. Um peer corrompido (ou hostil) não pode
// forçar alocações arbitrárias.
const (
	// MaxBlockSize limita um bloco comprimido individual (256 MiB).
	MaxBlockSize = 256 * 1024 * 1024
	// MaxBlocksPerTransfer limita os blocos de um transfer (um por worker
	// remoto, com teto folgado).
	MaxBlocksPerTransfer = 1024
	// MaxTransfersPerBatch limita os transfers de um ciclo do planner.
	MaxTransfersPerBatch = 1 << 20
)

// Erros do protocolo.
var (
	ErrInvalidMagic   = errors.New("protocol: invalid magic bytes")
	ErrInvalidVersion = errors.New("protocol: unsupported protocol version")
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds sanity limits")
)

// Handshake abre a sessão do canal e propõe o modo de compressão.
// Formato: [Magic "NRLY" 4B] [Version 1B] [Compression 1B]
type Handshake struct {
	Version     byte
	Compression byte
}

// HandshakeACK confirma (ou recusa) a sessão.
// Formato: [Status 1B] [Compression 1B]
type HandshakeACK struct {
	Status      byte
	Compression byte
}

// Transfer é a representação de wire de um update de sfd.
// Formato: [Kind u8] [ObjID i32] [Special u32] [NBlocks u32]
// seguido de NBlocks × ([Size u32] [bytes]).
// Um batch ("TRSF") carrega todos os transfers de um ciclo do planner:
// [Magic 4B] [Count u32] [Count × Transfer].
type Transfer struct {
	Kind    byte
	ObjID   int32
	Special uint32
	Blocks  [][]byte
}
