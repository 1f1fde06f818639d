// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/pierrec/lz4/v3"
)

// CompMode identifica o algoritmo de compressão dos payloads de transfer.
// O valor trafega no handshake do canal, então a numeração é estável.
type CompMode byte

const (
	CompNone CompMode = 0x00 // identidade (canais rápidos/locais)
	CompLZ4  CompMode = 0x01 // lz4 frame — barato, ratio modesto
	CompZstd CompMode = 0x02 // zstd nível 5 — default
	CompGzip CompMode = 0x03 // gzip paralelo (pgzip) — interoperabilidade
)

// zstdLevel é o nível de compressão zstd usado em todos os contexts.
const zstdLevel = 5

// ParseCompMode converte o valor de config ("none", "lz4", "zstd", "gzip").
func ParseCompMode(s string) (CompMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return CompZstd, nil
	case "none":
		return CompNone, nil
	case "lz4":
		return CompLZ4, nil
	case "gzip":
		return CompGzip, nil
	}
	return CompNone, fmt.Errorf("unknown compression mode %q", s)
}

// Valid informa se o valor corresponde a um modo conhecido (usado na
// validação do handshake).
func (m CompMode) Valid() bool {
	return m == CompNone || m == CompLZ4 || m == CompZstd || m == CompGzip
}

func (m CompMode) String() string {
	switch m {
	case CompNone:
		return "none"
	case CompLZ4:
		return "lz4"
	case CompZstd:
		return "zstd"
	case CompGzip:
		return "gzip"
	}
	return fmt.Sprintf("comp(%d)", byte(m))
}

// CompCtx é o estado de compressor/descompressor de uma thread de trabalho.
// O encoder e o decoder zstd retêm estado interno, então cada worker do pool
// (e o lado main) carrega o seu próprio context — nunca compartilhado.
type CompCtx struct {
	mode CompMode
	log  *slog.Logger
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// NewCompCtx aloca o estado de codec para o modo escolhido.
func NewCompCtx(mode CompMode, log *slog.Logger) *CompCtx {
	c := &CompCtx{mode: mode, log: log}
	if mode == CompZstd {
		var err error
		c.zenc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			log.Error("failed to create zstd encoder", "error", err)
		}
		c.zdec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			log.Error("failed to create zstd decoder", "error", err)
		}
	}
	return c
}

// Mode retorna o algoritmo configurado.
func (c *CompCtx) Mode() CompMode { return c.mode }

// Close libera o estado do codec. O context não pode ser reusado depois.
func (c *CompCtx) Close() {
	if c.zenc != nil {
		c.zenc.Close()
		c.zenc = nil
	}
	if c.zdec != nil {
		c.zdec.Close()
		c.zdec = nil
	}
}

// Bound retorna o pior caso de tamanho de saída para uma entrada de n bytes,
// consultado na hora de alocar os buffers de scratch. Para o modo identidade
// retorna zero: nenhum scratch é necessário.
func (c *CompCtx) Bound(n int) int {
	switch c.mode {
	case CompNone:
		return 0
	case CompLZ4:
		// CompressBlockBound + folga para o frame header e block headers.
		return lz4.CompressBlockBound(n) + 64
	case CompZstd:
		return n + n/255 + 512
	case CompGzip:
		// Blocos stored do deflate: 5 bytes por bloco de 32KB, mais headers.
		return n + n/16 + 256
	}
	return 0
}

// Compress comprime src usando scratch como destino e retorna o resultado.
// No modo identidade o retorno alias src sem cópia. Entrada vazia produz
// saída vazia sem invocar o codec. Falha de codec é logada e reportada como
// saída de tamanho zero; o próximo diff reenvia os dados.
func (c *CompCtx) Compress(src, scratch []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	switch c.mode {
	case CompNone:
		return src
	case CompZstd:
		if c.zenc == nil {
			return nil
		}
		return c.zenc.EncodeAll(src, scratch[:0])
	case CompLZ4:
		buf := bytes.NewBuffer(scratch[:0])
		zw := lz4.NewWriter(buf)
		if _, err := zw.Write(src); err != nil {
			c.log.Error("lz4 compression failed", "input", len(src), "error", err)
			return nil
		}
		if err := zw.Close(); err != nil {
			c.log.Error("lz4 frame close failed", "input", len(src), "error", err)
			return nil
		}
		return buf.Bytes()
	case CompGzip:
		buf := bytes.NewBuffer(scratch[:0])
		gw := pgzip.NewWriter(buf)
		if _, err := gw.Write(src); err != nil {
			c.log.Error("gzip compression failed", "input", len(src), "error", err)
			return nil
		}
		if err := gw.Close(); err != nil {
			c.log.Error("gzip stream close failed", "input", len(src), "error", err)
			return nil
		}
		return buf.Bytes()
	}
	return nil
}

// Decompress expande src para até maxSize bytes usando scratch como
// destino; maxSize vem do campo special do transfer (em transfers
// multi-bloco cada bloco expande para uma fração dele, então o limite é
// superior, não exato). No modo identidade o retorno alias src, sem checar
// maxSize. Nos demais modos, estouro do limite ou erro de codec é logado e
// tratado como payload vazio.
func (c *CompCtx) Decompress(src, scratch []byte, maxSize int) []byte {
	if len(src) == 0 {
		return nil
	}
	switch c.mode {
	case CompNone:
		return src
	case CompZstd:
		if c.zdec == nil {
			return nil
		}
		out, err := c.zdec.DecodeAll(src, scratch[:0])
		if err != nil || len(out) > maxSize {
			c.log.Error("zstd decompression failed",
				"input", len(src), "max", maxSize, "got", len(out), "error", err)
			return nil
		}
		return out
	case CompLZ4:
		return c.readAll(lz4.NewReader(bytes.NewReader(src)), scratch, maxSize, "lz4")
	case CompGzip:
		gr, err := pgzip.NewReader(bytes.NewReader(src))
		if err != nil {
			c.log.Error("gzip stream header invalid", "input", len(src), "error", err)
			return nil
		}
		defer gr.Close()
		return c.readAll(gr, scratch, maxSize, "gzip")
	}
	return nil
}

func (c *CompCtx) readAll(r io.Reader, scratch []byte, maxSize int, codec string) []byte {
	// Um byte além do limite denuncia um frame maior que o anunciado.
	if cap(scratch) < maxSize+1 {
		scratch = make([]byte, maxSize+1)
	}
	out := scratch[:maxSize+1]
	total := 0
	for total < len(out) {
		n, err := r.Read(out[total:])
		total += n
		if err == io.EOF {
			return out[:total]
		}
		if err != nil {
			c.log.Error("decompression failed",
				"codec", codec, "max", maxSize, "error", err)
			return nil
		}
	}
	c.log.Error("decompressed payload exceeds announced size",
		"codec", codec, "max", maxSize)
	return nil
}
