// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package dmabuf

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// SoftDevice emula buffers de GPU com arquivos de memória anônimos
// (memfd_create). Serve hosts sem GPU e os testes: o conteúdo é real e
// mapeável, só não vive em VRAM. Probe reconhece apenas fds exportados por
// este device — um fd de GPU de verdade requer o backend externo.
type SoftDevice struct {
	log *slog.Logger

	mu       sync.Mutex
	exported map[uint64]bool // (dev,ino) dos buffers criados aqui
}

// NewSoftDevice cria o backend em software.
func NewSoftDevice(log *slog.Logger) *SoftDevice {
	return &SoftDevice{log: log, exported: make(map[uint64]bool)}
}

type softBuffer struct {
	dev    *SoftDevice
	fd     int
	size   int
	mapped []byte
}

func bufferKey(st *unix.Stat_t) uint64 {
	return st.Dev<<32 ^ st.Ino
}

// Probe verifica se o fd aponta para um buffer exportado por este device.
func (d *SoftDevice) Probe(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exported[bufferKey(&st)]
}

// Import adota um fd, medindo o tamanho pelo layout (se houver) ou pelo
// próprio fd.
func (d *SoftDevice) Import(fd int, info *SliceData) (Buffer, error) {
	size := info.NominalSize()
	if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			return nil, fmt.Errorf("dmabuf: sizing imported fd %d: %w", fd, err)
		}
		size = int(st.Size)
	}
	if size <= 0 {
		return nil, fmt.Errorf("dmabuf: fd %d has no usable size", fd)
	}
	return &softBuffer{dev: d, fd: fd, size: size}, nil
}

// Create materializa um buffer novo já preenchido com contents.
func (d *SoftDevice) Create(contents []byte, info *SliceData) (Buffer, error) {
	size := info.NominalSize()
	if size < len(contents) {
		size = len(contents)
	}
	fd, err := unix.MemfdCreate("nrelay-dmabuf", 0)
	if err != nil {
		return nil, fmt.Errorf("dmabuf: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("dmabuf: sizing buffer to %d: %w", size, err)
	}
	b := &softBuffer{dev: d, fd: fd, size: size}
	if len(contents) > 0 {
		mem, err := b.Map(true)
		if err != nil {
			b.Destroy()
			return nil, err
		}
		copy(mem, contents)
		if err := b.Unmap(); err != nil {
			b.Destroy()
			return nil, err
		}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err == nil {
		d.mu.Lock()
		d.exported[bufferKey(&st)] = true
		d.mu.Unlock()
	}
	return b, nil
}

func (b *softBuffer) Size() int { return b.size }

func (b *softBuffer) Map(writable bool) ([]byte, error) {
	if b.mapped != nil {
		return nil, fmt.Errorf("dmabuf: buffer already mapped")
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(b.fd, 0, b.size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dmabuf: mmap of %d bytes: %w", b.size, err)
	}
	b.mapped = mem
	return mem, nil
}

func (b *softBuffer) Unmap() error {
	if b.mapped == nil {
		return nil
	}
	err := unix.Munmap(b.mapped)
	b.mapped = nil
	if err != nil {
		return fmt.Errorf("dmabuf: munmap: %w", err)
	}
	return nil
}

func (b *softBuffer) ExportFd() (int, error) {
	nfd, err := unix.Dup(b.fd)
	if err != nil {
		return -1, fmt.Errorf("dmabuf: dup for export: %w", err)
	}
	return nfd, nil
}

func (b *softBuffer) Destroy() error {
	if err := b.Unmap(); err != nil {
		b.dev.log.Error("unmap during buffer destroy failed", "error", err)
	}
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
	return nil
}
