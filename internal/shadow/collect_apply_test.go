// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Relay License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shadow

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/n-relay/internal/dmabuf"
)

// newTestMap cria um registry de teste com logger silencioso.
func newTestMap(t *testing.T, displaySide bool, workers int, mode CompMode) *TranslationMap {
	t.Helper()
	m := NewTranslationMap(MapConfig{
		DisplaySide: displaySide,
		Compression: mode,
		Workers:     workers,
		Device:      dmabuf.NewSoftDevice(testLogger()),
		Logger:      testLogger(),
	})
	t.Cleanup(m.Cleanup)
	return m
}

// newTestFile cria um arquivo com o conteúdo dado e retorna um fd aberto
// que passa a pertencer ao sfd que o adotar.
func newTestFile(t *testing.T, contents []byte) (string, int) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buffer")
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		t.Fatalf("opening test file: %v", err)
	}
	return path, fd
}

// --- Arquivos ---

func TestCollect_InitialFileTransfer(t *testing.T) {
	m := newTestMap(t, false, 1, CompZstd)
	_, fd := newTestFile(t, make([]byte, 4096))

	sfd := m.TranslateLocalFd(fd, nil)
	if sfd.Kind != KindFile {
		t.Fatalf("expected file kind, got %v", sfd.Kind)
	}
	if sfd.RemoteID != 1 {
		t.Errorf("first minted id should be 1, got %d", sfd.RemoteID)
	}

	transfers := m.CollectUpdates()
	if len(transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(transfers))
	}
	tf := transfers[0]
	if tf.Special != 4096 {
		t.Errorf("special should carry the original file size, got %d", tf.Special)
	}
	if len(tf.Blocks) != 1 {
		t.Fatalf("expected a single block, got %d", len(tf.Blocks))
	}

	ctx := NewCompCtx(CompZstd, testLogger())
	defer ctx.Close()
	content := ctx.Decompress(tf.Blocks[0], nil, 4096)
	if len(content) != 4096 || !bytes.Equal(content, make([]byte, 4096)) {
		t.Error("decompressed initial transfer should be 4096 zero bytes")
	}

	// Sem nova sujeira, o próximo collect não emite nada.
	if again := m.CollectUpdates(); len(again) != 0 {
		t.Errorf("clean sfd produced %d transfers", len(again))
	}
}

func TestApply_CreatesShmReplica(t *testing.T) {
	src := newTestMap(t, false, 1, CompLZ4)
	dst := newTestMap(t, true, 1, CompLZ4)

	contents := bytes.Repeat([]byte{0xA5}, 4096)
	_, fd := newTestFile(t, contents)
	src.TranslateLocalFd(fd, nil)

	for _, tf := range src.CollectUpdates() {
		dst.ApplyUpdate(&tf)
	}

	peer := dst.LookupByRemoteID(1)
	if peer == nil {
		t.Fatal("peer sfd not created from update")
	}
	if peer.FdLocal < 0 {
		t.Fatal("peer should hold an shm-backed local fd")
	}
	var st unix.Stat_t
	if err := unix.Fstat(peer.FdLocal, &st); err != nil || st.Size != 4096 {
		t.Fatalf("peer shm has wrong size: %d (err %v)", st.Size, err)
	}
	if !bytes.Equal(peer.fileMem, contents) {
		t.Error("peer live memory does not match source contents")
	}
	if !bytes.Equal(peer.memMirror[:4096], contents) {
		t.Error("peer mirror does not match source contents")
	}
}

func TestCollectApply_SingleEdit(t *testing.T) {
	src := newTestMap(t, false, 1, CompZstd)
	dst := newTestMap(t, true, 1, CompZstd)

	path, fd := newTestFile(t, make([]byte, 4096))
	sfd := src.TranslateLocalFd(fd, nil)
	for _, tf := range src.CollectUpdates() {
		dst.ApplyUpdate(&tf)
	}

	// A aplicação escreve 8 bytes no offset 800.
	edit := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt(edit, 800); err != nil {
		t.Fatal(err)
	}
	f.Close()

	sfd.MarkDirty()
	sfd.AddDamage(ExtInterval{Start: 800, Width: 8, Rep: 1})

	transfers := src.CollectUpdates()
	if len(transfers) != 1 {
		t.Fatalf("expected one diff transfer, got %d", len(transfers))
	}
	if transfers[0].Special != 16 {
		t.Errorf("special should be the uncompressed diff size 16, got %d", transfers[0].Special)
	}
	for _, tf := range transfers {
		dst.ApplyUpdate(&tf)
	}

	peer := dst.LookupByRemoteID(1)
	if !bytes.Equal(peer.fileMem[800:808], edit) {
		t.Errorf("edit not replicated: %x", peer.fileMem[800:808])
	}
	for i, b := range peer.fileMem {
		if (i < 800 || i >= 808) && b != 0 {
			t.Fatalf("byte %d changed unexpectedly to %x", i, b)
		}
	}
}

func TestCollect_CleanDamageNoTransfer(t *testing.T) {
	src := newTestMap(t, false, 1, CompNone)
	_, fd := newTestFile(t, make([]byte, 1024))
	sfd := src.TranslateLocalFd(fd, nil)
	src.CollectUpdates()

	// Sujo, mas sem mudança real: o memcmp da faixa corta o transfer.
	sfd.MarkDirty()
	sfd.AddDamage(ExtInterval{Start: 0, Width: 512, Rep: 1})
	if transfers := src.CollectUpdates(); len(transfers) != 0 {
		t.Errorf("unchanged damage produced %d transfers", len(transfers))
	}
	if !sfd.damage.Empty() {
		t.Error("damage should be reset after collect")
	}
}

func TestCollectApply_ThresholdEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	size := 1 << 18
	contents := make([]byte, size)
	rng.Read(contents)
	edits := make([]byte, 1024)
	rng.Read(edits)

	run := func(workers int, force bool) []byte {
		src := newTestMap(t, false, workers, CompLZ4)
		dst := newTestMap(t, true, workers, CompLZ4)
		if force {
			// Força o caminho paralelo independente da área.
			src.scancompThreadThreshold = 0
		}
		path, fd := newTestFile(t, contents)
		sfd := src.TranslateLocalFd(fd, nil)
		for _, tf := range src.CollectUpdates() {
			dst.ApplyUpdate(&tf)
		}

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			t.Fatal(err)
		}
		f.WriteAt(edits, 1000)
		f.WriteAt(edits, int64(size)-2048)
		f.Close()

		sfd.MarkDirty()
		sfd.DamageEverything()
		transfers := src.CollectUpdates()
		if len(transfers) == 0 {
			t.Fatal("expected a diff transfer")
		}
		for _, tf := range transfers {
			dst.ApplyUpdate(&tf)
		}
		peer := dst.LookupByRemoteID(1)
		out := append([]byte(nil), peer.fileMem...)
		if !bytes.Equal(out, sfd.fileMem) {
			t.Fatal("peer replica does not match source after sync")
		}
		return out
	}

	single := run(1, false)
	parallel := run(4, true)
	if !bytes.Equal(single, parallel) {
		t.Error("single and multi worker collection must converge to the same contents")
	}
}

func TestWorkerSliceDisjointness(t *testing.T) {
	// As regiões de escrita no diff buffer de workers vizinhos não podem
	// se sobrepor, para qualquer divisão tamanho/worker.
	for _, size := range []int{100, 4096, 1<<20 + 13} {
		for _, n := range []int{2, 3, 4, 8} {
			prevEnd := -1
			for k := 0; k < n; k++ {
				sourceStart := alignUp(k*size/n, 8)
				sourceEnd := alignUp((k+1)*size/n, 8)
				diffStart := sourceStart + 8*k
				diffEnd := sourceEnd + 8*(k+1)
				if diffStart < prevEnd {
					t.Fatalf("size=%d n=%d worker %d writes [%d,...) inside previous region ending %d",
						size, n, k, diffStart, prevEnd)
				}
				prevEnd = diffEnd
			}
		}
	}
}

// --- Pipes ---

func TestCollect_PipeAnnounce(t *testing.T) {
	m := newTestMap(t, false, 1, CompZstd)
	var des [2]int
	if err := unix.Pipe(des[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(des[1])

	sfd := m.TranslateLocalFd(des[0], nil)
	if sfd.Kind != KindPipeIR {
		t.Fatalf("read end should classify as pipe-ir, got %v", sfd.Kind)
	}
	if !sfd.pipeOnlyHere {
		t.Fatal("fresh pipe should be marked only-here")
	}

	transfers := m.CollectUpdates()
	if len(transfers) != 1 {
		t.Fatalf("expected exactly one announce transfer, got %d", len(transfers))
	}
	tf := transfers[0]
	if len(tf.Blocks) != 0 {
		t.Errorf("empty pipe announce should carry zero blocks, got %d", len(tf.Blocks))
	}
	if tf.Special&PipeCloseFlag != 0 {
		t.Error("announce must not carry the close flag")
	}
	if sfd.pipeOnlyHere {
		t.Error("only-here flag should clear after the announce")
	}

	// Sem dados novos, nada mais é emitido.
	if again := m.CollectUpdates(); len(again) != 0 {
		t.Errorf("idle pipe produced %d transfers", len(again))
	}
}

func TestApply_PipeCreationFlipsKind(t *testing.T) {
	dst := newTestMap(t, true, 1, CompZstd)
	tf := Transfer{Kind: KindPipeIR, ObjID: 7}
	dst.ApplyUpdate(&tf)

	peer := dst.LookupByRemoteID(7)
	if peer == nil {
		t.Fatal("pipe sfd not created")
	}
	if peer.Kind != KindPipeIW {
		t.Errorf("an IR on the sender must become IW on the receiver, got %v", peer.Kind)
	}
	if peer.pipeFd == peer.FdLocal {
		t.Error("private end and handed-out end must be distinct fds")
	}
	if peer.pipeOnlyHere {
		t.Error("replica pipes are not only-here")
	}
}

func TestPipe_DataFlow(t *testing.T) {
	src := newTestMap(t, false, 1, CompZstd)
	dst := newTestMap(t, true, 1, CompZstd)

	var des [2]int
	if err := unix.Pipe(des[:]); err != nil {
		t.Fatal(err)
	}
	writeEnd := des[1]
	defer unix.Close(writeEnd)

	sfd := src.TranslateLocalFd(des[0], nil)
	for _, tf := range src.CollectUpdates() {
		dst.ApplyUpdate(&tf)
	}
	peer := dst.LookupByRemoteID(sfd.RemoteID)
	if peer == nil {
		t.Fatal("peer pipe not created")
	}

	// A aplicação escreve no pipe; o proxy drena e transmite.
	payload := []byte("display protocol bytes")
	if _, err := unix.Write(writeEnd, payload); err != nil {
		t.Fatal(err)
	}
	sfd.pipeReadable = true
	src.ReadReadablePipes()
	if !bytes.Equal(sfd.pipeRecv, payload) {
		t.Fatalf("recv buffer mismatch: %q", sfd.pipeRecv)
	}

	for _, tf := range src.CollectUpdates() {
		dst.ApplyUpdate(&tf)
	}
	if len(sfd.pipeRecv) != 0 {
		t.Error("recv buffer should reset after collect")
	}

	// O peer enfileirou e drena para a ponta privada; a aplicação remota
	// lê pelo fd entregue.
	dst.FlushWritablePipes()
	got := make([]byte, 64)
	n, err := unix.Read(peer.FdLocal, got)
	if err != nil || !bytes.Equal(got[:n], payload) {
		t.Fatalf("peer application read %q (err %v)", got[:n], err)
	}
	if len(peer.pipeSend) != 0 {
		t.Error("send queue should release after a full drain")
	}
}

func TestPipe_ClosePropagation(t *testing.T) {
	src := newTestMap(t, false, 1, CompZstd)
	dst := newTestMap(t, true, 1, CompZstd)

	var des [2]int
	if err := unix.Pipe(des[:]); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(des[1])

	sfd := src.TranslateLocalFd(des[0], nil)
	for _, tf := range src.CollectUpdates() {
		dst.ApplyUpdate(&tf)
	}
	peer := dst.LookupByRemoteID(sfd.RemoteID)

	// Fechamento local detectado (POLLHUP): o próximo collect propaga.
	sfd.pipeLClosed = true
	transfers := src.CollectUpdates()
	if len(transfers) != 1 {
		t.Fatalf("expected one close transfer, got %d", len(transfers))
	}
	if transfers[0].Special&PipeCloseFlag == 0 {
		t.Fatal("close transfer must set the pipeclose flag")
	}
	if sfd.pipeFd != fdClosed {
		t.Error("private end should be closed after the notification")
	}

	for _, tf := range transfers {
		dst.ApplyUpdate(&tf)
	}
	if !peer.pipeRClosed {
		t.Fatal("peer should mark remote closure")
	}
	dst.CloseRclosedPipes()
	if peer.pipeFd != fdClosed || !peer.pipeLClosed {
		t.Error("peer private end should close after remote closure")
	}
}

// --- DMA-BUF ---

func TestCollectApply_Dmabuf(t *testing.T) {
	srcDev := dmabuf.NewSoftDevice(testLogger())
	src := NewTranslationMap(MapConfig{
		Compression: CompZstd,
		Workers:     1,
		Device:      srcDev,
		Logger:      testLogger(),
	})
	t.Cleanup(src.Cleanup)
	dst := newTestMap(t, true, 1, CompZstd)

	info := &dmabuf.SliceData{
		Width: 16, Height: 16, Format: 0x34325241, NumPlanes: 1,
		Strides: [4]uint32{64},
	}
	contents := bytes.Repeat([]byte{0x3C}, info.NominalSize())
	buf, err := srcDev.Create(contents, info)
	if err != nil {
		t.Fatal(err)
	}
	fd, err := buf.ExportFd()
	if err != nil {
		t.Fatal(err)
	}

	sfd := src.TranslateLocalFd(fd, info)
	if sfd.Kind != KindDmabuf {
		t.Fatalf("expected dmabuf kind, got %v", sfd.Kind)
	}

	transfers := src.CollectUpdates()
	if len(transfers) != 1 {
		t.Fatalf("expected the initial dmabuf transfer, got %d", len(transfers))
	}
	if transfers[0].Special != uint32(len(contents)) {
		t.Errorf("special should carry the buffer size, got %d", transfers[0].Special)
	}
	for _, tf := range transfers {
		dst.ApplyUpdate(&tf)
	}

	peer := dst.LookupByRemoteID(sfd.RemoteID)
	if peer == nil || peer.buf == nil {
		t.Fatal("peer dmabuf not created")
	}
	if peer.bufInfo.Width != 16 || peer.bufInfo.Strides[0] != 64 {
		t.Error("peer lost the layout header")
	}
	mem, err := peer.buf.Map(false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem[:len(contents)], contents) {
		t.Error("peer buffer contents mismatch")
	}
	peer.buf.Unmap()

	// Segunda rodada: muda o conteúdo e propaga o diff.
	mem, err = buf.Map(true)
	if err != nil {
		t.Fatal(err)
	}
	copy(mem[128:], []byte("changed pixels"))
	buf.Unmap()

	sfd.MarkDirty()
	transfers = src.CollectUpdates()
	if len(transfers) != 1 {
		t.Fatalf("expected one diff transfer, got %d", len(transfers))
	}
	for _, tf := range transfers {
		dst.ApplyUpdate(&tf)
	}
	mem, err = peer.buf.Map(false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem[128:128+14], []byte("changed pixels")) {
		t.Error("dmabuf edit not replicated")
	}
	peer.buf.Unmap()

	// Limpo: nenhum transfer novo.
	if again := src.CollectUpdates(); len(again) != 0 {
		t.Errorf("clean dmabuf produced %d transfers", len(again))
	}
}
