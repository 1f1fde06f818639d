// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestMap_MintsSignedIDs(t *testing.T) {
	app := newTestMap(t, false, 1, CompNone)
	display := newTestMap(t, true, 1, CompNone)

	_, fd1 := newTestFile(t, make([]byte, 64))
	_, fd2 := newTestFile(t, make([]byte, 64))
	_, fd3 := newTestFile(t, make([]byte, 64))

	a := app.TranslateLocalFd(fd1, nil)
	b := app.TranslateLocalFd(fd2, nil)
	c := display.TranslateLocalFd(fd3, nil)

	if a.RemoteID != 1 || b.RemoteID != 2 {
		t.Errorf("application side should mint positive ids: %d, %d", a.RemoteID, b.RemoteID)
	}
	if c.RemoteID != -1 {
		t.Errorf("display side should mint negative ids: %d", c.RemoteID)
	}
}

func TestMap_TranslateIsIdempotent(t *testing.T) {
	m := newTestMap(t, false, 1, CompNone)
	_, fd := newTestFile(t, make([]byte, 64))

	a := m.TranslateLocalFd(fd, nil)
	b := m.TranslateLocalFd(fd, nil)
	if a != b {
		t.Error("translating the same fd twice must return the same sfd")
	}
}

func TestMap_LookupPrefersMostRecent(t *testing.T) {
	m := newTestMap(t, false, 1, CompNone)
	_, fd := newTestFile(t, make([]byte, 64))

	old := m.TranslateLocalFd(fd, nil)
	// Simula o fd reciclado por close/reopen antes do sfd antigo morrer:
	// o antigo ainda está na lista, mas um novo sfd assume o mesmo número.
	old.FdLocal = fdClosed
	dup, err := unix.Dup(fd)
	if err != nil {
		t.Fatal(err)
	}
	// Garante o mesmo número de fd para o novo sfd.
	if err := unix.Dup3(dup, fd, 0); err != nil {
		t.Fatal(err)
	}
	unix.Close(dup)
	fresh := m.TranslateLocalFd(fd, nil)
	// O sfd antigo volta a apontar para o mesmo número: dois sfds na lista
	// compartilham o fd.
	old.FdLocal = fd
	defer func() { old.FdLocal = fdClosed }()

	if fresh == old {
		t.Fatal("expected a fresh sfd for the recycled fd")
	}
	if got := m.LookupByLocalFd(fd); got != fresh {
		t.Error("lookup by fd must return the most recently inserted sfd")
	}
}

func TestRefcount_Lifecycle(t *testing.T) {
	m := newTestMap(t, false, 1, CompNone)
	_, fd := newTestFile(t, make([]byte, 64))
	sfd := m.TranslateLocalFd(fd, nil)
	rid := sfd.RemoteID

	proto, transfer, owner := sfd.Refcounts()
	if proto != 0 || transfer != 1 || owner {
		t.Fatalf("fresh sfd counts: protocol=%d transfer=%d owner=%v", proto, transfer, owner)
	}

	m.IncrefProtocol(sfd)
	if _, _, owner := sfd.Refcounts(); !owner {
		t.Fatal("incref protocol must latch ownership")
	}

	if destroyed := m.DecrefTransfer(sfd); destroyed {
		t.Fatal("sfd with live protocol ref must not be destroyed")
	}
	if m.LookupByRemoteID(rid) == nil {
		t.Fatal("sfd should still be reachable")
	}

	if destroyed := m.DecrefProtocol(sfd); !destroyed {
		t.Fatal("both counts zero with owner set must destroy")
	}
	if m.LookupByRemoteID(rid) != nil {
		t.Error("destroyed sfd must unlink from the map")
	}
}

func TestRefcount_NoOwnerKeepsAlive(t *testing.T) {
	m := newTestMap(t, false, 1, CompNone)
	_, fd := newTestFile(t, make([]byte, 64))
	sfd := m.TranslateLocalFd(fd, nil)

	// Sem dono, zerar os contadores não destrói: o sfd ainda não foi
	// reivindicado por nenhum objeto de protocolo.
	if destroyed := m.DecrefTransfer(sfd); destroyed {
		t.Fatal("unowned sfd must survive at zero refs")
	}
	if m.LookupByRemoteID(sfd.RemoteID) == nil {
		t.Fatal("unowned sfd should stay in the map")
	}

	// O primeiro dono chega depois; o ciclo completo ainda destrói.
	m.IncrefProtocol(sfd)
	if destroyed := m.DecrefProtocol(sfd); !destroyed {
		t.Error("claiming and releasing should destroy the idle sfd")
	}
}

func TestRefcount_NegativeLogsButSurvives(t *testing.T) {
	m := newTestMap(t, false, 1, CompNone)
	_, fd := newTestFile(t, make([]byte, 64))
	sfd := m.TranslateLocalFd(fd, nil)

	m.DecrefTransfer(sfd)
	// Decref além de zero é erro de programação: loga, não derruba.
	if destroyed := m.DecrefTransfer(sfd); destroyed {
		t.Fatal("negative refcount must not destroy")
	}
	if _, transfer, _ := sfd.Refcounts(); transfer != -1 {
		t.Errorf("expected transfer count -1, got %d", transfer)
	}
}

func TestDecrefTransferredBatches(t *testing.T) {
	m := newTestMap(t, false, 1, CompNone)
	_, fd1 := newTestFile(t, make([]byte, 64))
	_, fd2 := newTestFile(t, make([]byte, 64))
	a := m.TranslateLocalFd(fd1, nil)
	b := m.TranslateLocalFd(fd2, nil)
	m.IncrefProtocol(a)
	m.IncrefProtocol(b)

	m.DecrefTransferredFds([]int{fd1})
	if _, transfer, _ := a.Refcounts(); transfer != 0 {
		t.Errorf("fd batch decref missed: transfer=%d", transfer)
	}
	m.DecrefTransferredRIDs([]int32{b.RemoteID})
	if _, transfer, _ := b.Refcounts(); transfer != 0 {
		t.Errorf("rid batch decref missed: transfer=%d", transfer)
	}
}

func TestMap_StatsSnapshot(t *testing.T) {
	m := newTestMap(t, false, 1, CompZstd)
	_, fd := newTestFile(t, make([]byte, 256))
	m.TranslateLocalFd(fd, nil)
	var des [2]int
	if err := unix.Pipe(des[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(des[1])
	m.TranslateLocalFd(des[0], nil)

	m.CollectUpdates()
	st := m.Stats()
	if st.Files != 1 || st.Pipes != 1 {
		t.Errorf("population snapshot wrong: files=%d pipes=%d", st.Files, st.Pipes)
	}
	if st.BytesCollected == 0 {
		t.Error("collected bytes should be accounted")
	}
	if st.Compression != "zstd" {
		t.Errorf("unexpected compression label %q", st.Compression)
	}
}

func TestWorkerPool_StartStop(t *testing.T) {
	// Sobe e derruba o pool sem trabalho: o protocolo de task id não pode
	// travar nem vazar goroutines.
	for i := 0; i < 3; i++ {
		m := NewTranslationMap(MapConfig{
			Compression: CompLZ4,
			Workers:     4,
			Logger:      testLogger(),
		})
		m.Cleanup()
	}
}
