// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"bytes"
	"math/rand"
	"testing"
)

var allCompModes = []CompMode{CompNone, CompLZ4, CompZstd, CompGzip}

func TestCompMode_Parse(t *testing.T) {
	cases := []struct {
		in   string
		want CompMode
	}{
		{"", CompZstd},
		{"zstd", CompZstd},
		{"ZSTD", CompZstd},
		{"none", CompNone},
		{"lz4", CompLZ4},
		{"gzip", CompGzip},
	}
	for _, c := range cases {
		got, err := ParseCompMode(c.in)
		if err != nil {
			t.Errorf("ParseCompMode(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseCompMode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	if _, err := ParseCompMode("xz"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestComp_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	payloads := [][]byte{
		[]byte("hello shadow plane"),
		bytes.Repeat([]byte{0}, 4096),
		make([]byte, 1<<16),
	}
	rng.Read(payloads[2])

	for _, mode := range allCompModes {
		ctx := NewCompCtx(mode, testLogger())
		for i, src := range payloads {
			scratch := make([]byte, ctx.Bound(len(src)))
			comp := ctx.Compress(src, scratch)
			if len(comp) == 0 {
				t.Fatalf("%v payload %d: empty compressed output", mode, i)
			}
			back := ctx.Decompress(comp, nil, len(src))
			if !bytes.Equal(back, src) {
				t.Errorf("%v payload %d: round trip mismatch", mode, i)
			}
		}
		ctx.Close()
	}
}

func TestComp_EmptyInput(t *testing.T) {
	for _, mode := range allCompModes {
		ctx := NewCompCtx(mode, testLogger())
		if out := ctx.Compress(nil, nil); len(out) != 0 {
			t.Errorf("%v: empty input should compress to empty output", mode)
		}
		if out := ctx.Decompress(nil, nil, 100); len(out) != 0 {
			t.Errorf("%v: empty input should decompress to empty output", mode)
		}
		ctx.Close()
	}
}

func TestComp_NoneAliasesInput(t *testing.T) {
	ctx := NewCompCtx(CompNone, testLogger())
	defer ctx.Close()
	src := []byte{1, 2, 3}
	if out := ctx.Compress(src, nil); &out[0] != &src[0] {
		t.Error("identity mode should alias the input")
	}
}

func TestComp_BoundCoversOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := make([]byte, 1<<15)
	rng.Read(src) // incompressível: pior caso de expansão

	for _, mode := range allCompModes {
		if mode == CompNone {
			continue
		}
		ctx := NewCompCtx(mode, testLogger())
		bound := ctx.Bound(len(src))
		comp := ctx.Compress(src, make([]byte, bound))
		if len(comp) > bound {
			t.Errorf("%v: output %d exceeds bound %d", mode, len(comp), bound)
		}
		ctx.Close()
	}
}

func TestComp_DecompressRejectsOversize(t *testing.T) {
	for _, mode := range allCompModes {
		if mode == CompNone {
			continue
		}
		ctx := NewCompCtx(mode, testLogger())
		src := bytes.Repeat([]byte{7}, 1024)
		comp := ctx.Compress(src, make([]byte, ctx.Bound(len(src))))
		// Anunciar um limite menor que o conteúdo real deve degradar para
		// payload vazio, não estourar o buffer.
		if out := ctx.Decompress(comp, nil, 100); out != nil {
			t.Errorf("%v: oversized payload should be rejected, got %d bytes", mode, len(out))
		}
		ctx.Close()
	}
}
