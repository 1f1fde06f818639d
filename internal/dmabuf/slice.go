// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dmabuf

import (
	"encoding/binary"
	"fmt"
)

// SliceDataSize é o tamanho fixo do header SliceData no wire.
const SliceDataSize = 64

// SliceData descreve o layout de um buffer de GPU: dimensões, formato,
// strides e offsets por plano, modifier do driver e o flag de modo vídeo.
// Precede o payload comprimido no primeiro transfer de um dmabuf, com
// layout fixo de 64 bytes, campos little-endian.
type SliceData struct {
	Width      uint32
	Height     uint32
	Format     uint32
	NumPlanes  uint32
	Strides    [4]uint32
	Offsets    [4]uint32
	Modifier   uint64
	UsingVideo bool
}

// Encode serializa o header no layout de wire.
func (s *SliceData) Encode() []byte {
	b := make([]byte, SliceDataSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], s.Width)
	le.PutUint32(b[4:], s.Height)
	le.PutUint32(b[8:], s.Format)
	le.PutUint32(b[12:], s.NumPlanes)
	for i := 0; i < 4; i++ {
		le.PutUint32(b[16+4*i:], s.Strides[i])
		le.PutUint32(b[32+4*i:], s.Offsets[i])
	}
	le.PutUint64(b[48:], s.Modifier)
	if s.UsingVideo {
		b[56] = 1
	}
	return b
}

// DecodeSliceData interpreta um header recebido. O payload do transfer
// começa em b[SliceDataSize:].
func DecodeSliceData(b []byte) (*SliceData, error) {
	if len(b) < SliceDataSize {
		return nil, fmt.Errorf("dmabuf: slice header truncated: %d bytes", len(b))
	}
	le := binary.LittleEndian
	s := &SliceData{
		Width:     le.Uint32(b[0:]),
		Height:    le.Uint32(b[4:]),
		Format:    le.Uint32(b[8:]),
		NumPlanes: le.Uint32(b[12:]),
		Modifier:  le.Uint64(b[48:]),
	}
	for i := 0; i < 4; i++ {
		s.Strides[i] = le.Uint32(b[16+4*i:])
		s.Offsets[i] = le.Uint32(b[32+4*i:])
	}
	s.UsingVideo = b[56] != 0
	return s, nil
}

// NominalSize calcula o tamanho mapeável implicado pelo layout
// (stride do plano 0 × altura). Zero quando o header não tem dimensões.
func (s *SliceData) NominalSize() int {
	if s == nil {
		return 0
	}
	return int(s.Strides[0]) * int(s.Height)
}
