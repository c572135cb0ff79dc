// Package store implements the piece store: the multi-file on-disk
// mapping, per-piece SHA-1 verification, and the block-acquisition
// bitmap.
package store

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/arashi-run/gorent/internal/bitfield"
	"github.com/arashi-run/gorent/internal/metainfo"
)

// dataFile is one on-disk file backing a slice of the logical byte
// vector. Each file has its own write lock so concurrent writes to
// disjoint files never contend.
type dataFile struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	offset int64
	length int64
}

// Store presents a torrent's file set as one contiguous logical byte
// vector and tracks per-piece verification and per-block acquisition.
type Store struct {
	desc  *metainfo.Descriptor
	files []*dataFile
	log   *slog.Logger

	mu       sync.RWMutex
	verified []bool
	acquired [][]bool

	downloaded int64 // bytes of verified pieces; guarded by mu
	uploaded   int64 // guarded by uploadMu

	uploadMu sync.Mutex

	events chan int // PieceVerified(piece), buffered
}

// New creates (or opens) the on-disk files under downloadDir for desc and
// returns an unverified Store. Call VerifyAll to reify any existing
// progress before use.
func New(desc *metainfo.Descriptor, downloadDir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "store")

	files, err := setupFiles(desc, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("store: setup files: %w", err)
	}

	n := desc.PieceCount()
	acquired := make([][]bool, n)
	for p := 0; p < n; p++ {
		acquired[p] = make([]bool, blocksInPiece(desc, p))
	}

	return &Store{
		desc:     desc,
		files:    files,
		log:      log,
		verified: make([]bool, n),
		acquired: acquired,
		events:   make(chan int, n+1),
	}, nil
}

// Events returns the channel PieceVerified(index) events are posted to,
// once each time a piece goes from unverified to verified.
func (s *Store) Events() <-chan int { return s.events }

func blocksInPiece(desc *metainfo.Descriptor, p int) int {
	ln := desc.PieceLen(p)
	return int((ln + metainfo.BlockSize - 1) / metainfo.BlockSize)
}

// VerifyAll reifies prior progress by attempting verification of every
// piece. Called once at startup.
func (s *Store) VerifyAll() error {
	for p := 0; p < s.desc.PieceCount(); p++ {
		if err := s.Verify(p); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlock writes a block's bytes at the position (piece, block) implies,
// marks it acquired, and attempts verification of the owning piece.
func (s *Store) WriteBlock(piece, block int, data []byte) error {
	begin := int64(block) * metainfo.BlockSize
	start := int64(piece)*s.desc.PieceSize + begin
	end := start + int64(len(data))

	if err := s.writeRange(start, end, data); err != nil {
		return err
	}

	s.mu.Lock()
	if block < len(s.acquired[piece]) {
		s.acquired[piece][block] = true
	}
	s.mu.Unlock()

	return s.Verify(piece)
}

// ReadRange reads the logical byte range [start, end) into a newly
// allocated slice, translating it into the underlying per-file ranges.
func (s *Store) ReadRange(start, end int64) ([]byte, error) {
	buf := make([]byte, end-start)
	if err := s.readRange(start, end, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Verify reads piece p's bytes, hashes them, and compares against the
// descriptor's recorded hash. On match it marks the piece (and every
// block within it) verified/acquired and emits exactly one PieceVerified
// event. On mismatch, if every block had been acquired, all of the
// piece's block bits are cleared (their data is untrusted); otherwise
// (the ordinary mid-download case) the bits are left alone.
func (s *Store) Verify(p int) error {
	start := int64(p) * s.desc.PieceSize
	end := start + s.desc.PieceLen(p)

	buf := make([]byte, end-start)
	if err := s.readRange(start, end, buf); err != nil {
		// Underlying file absent/short: unverifiable for now, not fatal.
		return nil
	}

	sum := sha1.Sum(buf)
	match := sum == s.desc.PieceHashes[p]

	s.mu.Lock()
	defer s.mu.Unlock()

	if match {
		if s.verified[p] {
			return nil // already verified this startup; no duplicate event
		}
		s.verified[p] = true
		for b := range s.acquired[p] {
			s.acquired[p][b] = true
		}
		s.downloaded += end - start

		select {
		case s.events <- p:
		default:
			s.log.Warn("piece-verified event queue full, dropping", "piece", p)
		}
		return nil
	}

	allAcquired := true
	for _, b := range s.acquired[p] {
		if !b {
			allAcquired = false
			break
		}
	}
	if allAcquired {
		for b := range s.acquired[p] {
			s.acquired[p][b] = false
		}
	}
	if s.verified[p] {
		s.verified[p] = false
		s.downloaded -= end - start
	}
	return nil
}

// Bitfield returns a snapshot of the verified-piece vector, MSB-first.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bf := bitfield.New(len(s.verified))
	for p, v := range s.verified {
		if v {
			bf.Set(p)
		}
	}
	return bf
}

// Verified reports whether piece p has passed verification.
func (s *Store) Verified(p int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified[p]
}

// Downloaded returns the sum of the actual byte sizes of every verified
// piece (not piece_size*count, which over-counts a short final piece).
func (s *Store) Downloaded() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.downloaded
}

// AddUploaded accounts n bytes sent to peers.
func (s *Store) AddUploaded(n int64) {
	s.uploadMu.Lock()
	s.uploaded += n
	s.uploadMu.Unlock()
}

// Uploaded returns total wire-observed uploaded bytes.
func (s *Store) Uploaded() int64 {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	return s.uploaded
}

// Left returns the number of bytes not yet verified, for tracker announces.
func (s *Store) Left() int64 {
	return s.desc.TotalSize - s.Downloaded()
}

func (s *Store) writeRange(start, end int64, data []byte) error {
	return s.forEachOverlap(start, end, func(df *dataFile, fileOff, bufOff, n int64) error {
		df.mu.Lock()
		defer df.mu.Unlock()

		written, err := df.f.WriteAt(data[bufOff:bufOff+n], fileOff)
		if err != nil {
			return fmt.Errorf("store: write %s: %w", df.path, err)
		}
		if int64(written) != n {
			return fmt.Errorf("store: short write to %s: wrote %d, want %d", df.path, written, n)
		}
		return nil
	})
}

func (s *Store) readRange(start, end int64, buf []byte) error {
	return s.forEachOverlap(start, end, func(df *dataFile, fileOff, bufOff, n int64) error {
		df.mu.Lock()
		defer df.mu.Unlock()

		read, err := df.f.ReadAt(buf[bufOff:bufOff+n], fileOff)
		if err != nil {
			return fmt.Errorf("store: read %s: %w", df.path, err)
		}
		if int64(read) != n {
			return fmt.Errorf("store: short read from %s: read %d, want %d", df.path, read, n)
		}
		return nil
	})
}

// forEachOverlap walks the file list, invoking fn for each file whose
// range intersects [start, end) with the file-relative offset, the
// buffer-relative offset, and the overlap length.
func (s *Store) forEachOverlap(start, end int64, fn func(df *dataFile, fileOff, bufOff, n int64) error) error {
	for _, df := range s.files {
		fileStart, fileEnd := df.offset, df.offset+df.length

		overlapStart := max(start, fileStart)
		overlapEnd := min(end, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		n := overlapEnd - overlapStart
		fileOff := overlapStart - fileStart
		bufOff := overlapStart - start

		if err := fn(df, fileOff, bufOff, n); err != nil {
			return err
		}
	}
	return nil
}

func setupFiles(desc *metainfo.Descriptor, downloadDir string) ([]*dataFile, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, err
	}

	root := downloadDir
	if len(desc.Files) > 1 {
		root = filepath.Join(downloadDir, desc.Name)
	}

	files := make([]*dataFile, 0, len(desc.Files))
	for _, fe := range desc.Files {
		path := filepath.Join(root, fe.RelativePath)
		df, err := openDataFile(path, fe.Size, fe.Offset)
		if err != nil {
			return nil, err
		}
		files = append(files, df)
	}
	return files, nil
}

func openDataFile(path string, size, offset int64) (*dataFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}

	return &dataFile{f: f, path: path, length: size, offset: offset}, nil
}

// Close releases all underlying file handles.
func (s *Store) Close() error {
	var first error
	for _, df := range s.files {
		if err := df.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
