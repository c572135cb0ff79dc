package store

import (
	"crypto/sha1"
	"log/slog"
	"os"
	"testing"

	"github.com/arashi-run/gorent/internal/metainfo"
)

func newTestDescriptor(t *testing.T, name string, files []metainfo.FileEntry, pieceSize int64, stream []byte) *metainfo.Descriptor {
	t.Helper()

	total := int64(len(stream))
	pieceCount := int((total + pieceSize - 1) / pieceSize)
	hashes := make([][sha1.Size]byte, pieceCount)
	for i := 0; i < pieceCount; i++ {
		start := int64(i) * pieceSize
		end := min(start+pieceSize, total)
		hashes[i] = sha1.Sum(stream[start:end])
	}

	return &metainfo.Descriptor{
		Name:        name,
		Files:       files,
		TotalSize:   total,
		PieceSize:   pieceSize,
		PieceHashes: hashes,
	}
}

func genStream(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i*7 + 3) % 256)
	}
	return b
}

func TestStore_S2_MultiFileTranslation(t *testing.T) {
	stream := genStream(3000) // a: 1000, b: 2000
	files := []metainfo.FileEntry{
		{RelativePath: "a", Size: 1000, Offset: 0},
		{RelativePath: "b", Size: 2000, Offset: 1000},
	}
	desc := newTestDescriptor(t, "multi", files, 1500, stream)

	s, err := New(desc, t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	payload := stream[800:1300] // offset 800, length 500
	if err := s.writeRange(800, 1300, payload); err != nil {
		t.Fatalf("writeRange: %v", err)
	}

	got, err := s.ReadRange(800, 1300)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}

	// verify file 'a' holds bytes 800..999, file 'b' holds bytes 0..299
	aData, err := os.ReadFile(s.files[0].path)
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	if string(aData[800:1000]) != string(stream[800:1000]) {
		t.Fatalf("file a range mismatch")
	}
	bData, err := os.ReadFile(s.files[1].path)
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if string(bData[0:300]) != string(stream[1000:1300]) {
		t.Fatalf("file b range mismatch")
	}
}

func TestStore_WriteBlockThenVerify_AllBlocksTrue(t *testing.T) {
	stream := genStream(32768 + 100)
	files := []metainfo.FileEntry{{RelativePath: "f", Size: int64(len(stream)), Offset: 0}}
	desc := newTestDescriptor(t, "f", files, 32768, stream)

	s, err := New(desc, t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for p := 0; p < desc.PieceCount(); p++ {
		pieceLen := desc.PieceLen(p)
		nBlocks := blocksInPiece(desc, p)
		for b := 0; b < nBlocks; b++ {
			begin := int64(b) * metainfo.BlockSize
			blockLen := min(metainfo.BlockSize, pieceLen-begin)
			start := int64(p)*desc.PieceSize + begin
			data := stream[start : start+blockLen]
			if err := s.WriteBlock(p, b, data); err != nil {
				t.Fatalf("WriteBlock(%d,%d): %v", p, b, err)
			}
		}
	}

	for p := 0; p < desc.PieceCount(); p++ {
		if !s.Verified(p) {
			t.Fatalf("piece %d not verified", p)
		}
		for b, ok := range s.acquired[p] {
			if !ok {
				t.Fatalf("piece %d block %d not acquired", p, b)
			}
		}
	}

	if got, want := s.Downloaded(), desc.TotalSize; got != want {
		t.Fatalf("Downloaded = %d, want %d", got, want)
	}
}

// S3 — corruption rejection: after fully acquiring piece 0, flip a byte on
// disk and re-verify; all block_acquired[0][*] must become false and no
// duplicate PieceVerified(0) must fire.
func TestStore_S3_CorruptionRejection(t *testing.T) {
	stream := genStream(metainfo.BlockSize + 1000) // one piece of two blocks
	files := []metainfo.FileEntry{{RelativePath: "f", Size: int64(len(stream)), Offset: 0}}
	desc := newTestDescriptor(t, "f", files, int64(len(stream)), stream)

	s, err := New(desc, t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.WriteBlock(0, 0, stream[0:metainfo.BlockSize]); err != nil {
		t.Fatalf("write block 0: %v", err)
	}
	remaining := stream[metainfo.BlockSize:]
	if err := s.WriteBlock(0, 1, remaining); err != nil {
		t.Fatalf("write block 1: %v", err)
	}
	if !s.Verified(0) {
		t.Fatalf("expected piece 0 verified after full write")
	}

	// drain the one expected event
	select {
	case p := <-s.Events():
		if p != 0 {
			t.Fatalf("unexpected event for piece %d", p)
		}
	default:
		t.Fatalf("expected a PieceVerified event")
	}

	// flip one byte directly on disk
	f, err := os.OpenFile(s.files[0].path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteAt([]byte{stream[5] ^ 0xFF}, 5); err != nil {
		t.Fatalf("corrupt byte: %v", err)
	}
	f.Close()

	if err := s.Verify(0); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if s.Verified(0) {
		t.Fatalf("piece 0 should no longer be verified")
	}
	for b, ok := range s.acquired[0] {
		if ok {
			t.Fatalf("block %d still marked acquired after corruption", b)
		}
	}

	select {
	case p := <-s.Events():
		t.Fatalf("unexpected extra event for piece %d", p)
	default:
	}
}

func TestStore_Verify_PartialAcquireLeavesBitsAlone(t *testing.T) {
	stream := genStream(metainfo.BlockSize + 1000) // one piece of two blocks
	files := []metainfo.FileEntry{{RelativePath: "f", Size: int64(len(stream)), Offset: 0}}
	desc := newTestDescriptor(t, "f", files, int64(len(stream)), stream)

	s, err := New(desc, t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.WriteBlock(0, 0, stream[0:metainfo.BlockSize]); err != nil {
		t.Fatalf("write block 0: %v", err)
	}
	// Block 1 never written -- mismatch is expected and must not clear block 0.
	if s.Verified(0) {
		t.Fatalf("should not verify with a missing block")
	}
	if !s.acquired[0][0] {
		t.Fatalf("block 0 should remain acquired after partial mismatch")
	}
}
