package metainfo

import (
	"bytes"
	"crypto/sha1"
	"testing"
	"time"

	"github.com/arashi-run/gorent/internal/bencode"
)

func mkPieces(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.Bytes()
}

func TestParse_SingleFile_OK(t *testing.T) {
	info := map[string]any{
		"name":         "file.txt",
		"piece length": int64(1000),
		"pieces":       mkPieces(2), // ceil(1234/1000) = 2
		"length":       int64(1234),
	}
	root := map[string]any{
		"announce":      "http://tracker",
		"creation date": int64(1700000000),
		"created by":    "tester",
		"comment":       "hello",
		"encoding":      "UTF-8",
		"info":          info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if d.Announce != "http://tracker" {
		t.Fatalf("announce = %q", d.Announce)
	}
	if len(d.Trackers) != 1 || d.Trackers[0] != "http://tracker" {
		t.Fatalf("trackers = %#v", d.Trackers)
	}

	wantDate := time.Unix(1700000000, 0).UTC()
	if !d.CreationDate.Equal(wantDate) {
		t.Fatalf("creation date = %v, want %v", d.CreationDate, wantDate)
	}
	if d.CreatedBy != "tester" || d.Comment != "hello" || d.Encoding != "UTF-8" {
		t.Fatalf("metadata mismatch: %#v", d)
	}

	if d.Name != "file.txt" {
		t.Fatalf("name = %q", d.Name)
	}
	if d.PieceSize != 1000 {
		t.Fatalf("piece size = %d", d.PieceSize)
	}
	if len(d.PieceHashes) != 2 {
		t.Fatalf("pieces len = %d, want 2", len(d.PieceHashes))
	}
	if len(d.Files) != 1 || d.Files[0].Size != 1234 || d.Files[0].RelativePath != "file.txt" {
		t.Fatalf("layout mismatch: %#v", d.Files)
	}

	hashed, err := bencode.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	if want := sha1.Sum(hashed); d.InfoHash != want {
		t.Fatalf("info hash mismatch: got %x want %x", d.InfoHash, want)
	}
}

func TestParse_MultiFile_OK(t *testing.T) {
	files := []any{
		map[string]any{"length": int64(10), "path": []any{"a", "b.txt"}},
		map[string]any{"length": int64(20), "path": []any{"c.txt"}},
	}
	info := map[string]any{
		"name":         "dir",
		"piece length": int64(32768),
		"pieces":       mkPieces(1), // ceil(30/32768) = 1
		"files":        files,
		"private":      int64(1),
	}
	root := map[string]any{"announce": "udp://tracker", "info": info}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if d.IsPrivate == nil || !*d.IsPrivate {
		t.Fatalf("private flag not propagated")
	}
	if len(d.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(d.Files))
	}
	if d.Files[0].Offset != 0 || d.Files[0].RelativePath != "a/b.txt" {
		t.Fatalf("file 0 = %#v", d.Files[0])
	}
	if d.Files[1].Offset != 10 || d.Files[1].RelativePath != "c.txt" {
		t.Fatalf("file 1 = %#v", d.Files[1])
	}
	if d.TotalSize != 30 {
		t.Fatalf("total size = %d, want 30", d.TotalSize)
	}
}

func TestParse_AnnounceListPreferredOverAnnounce(t *testing.T) {
	info := map[string]any{
		"name":         "f",
		"piece length": int64(10),
		"pieces":       mkPieces(1),
		"length":       int64(5),
	}
	root := map[string]any{
		"announce": "http://scalar",
		"announce-list": []any{
			[]any{"http://tier1a", "http://tier1b"},
			[]any{"http://tier2"},
		},
		"info": info,
	}

	data, err := bencode.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	want := []string{"http://tier1a", "http://tier1b", "http://tier2"}
	if len(d.Trackers) != len(want) {
		t.Fatalf("trackers = %#v, want %#v", d.Trackers, want)
	}
	for i := range want {
		if d.Trackers[i] != want[i] {
			t.Fatalf("trackers[%d] = %q, want %q", i, d.Trackers[i], want[i])
		}
	}
}

func TestParse_Errors(t *testing.T) {
	mkRoot := func(info map[string]any) []byte {
		root := map[string]any{"announce": "http://t", "info": info}
		data, err := bencode.Marshal(root)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return data
	}

	t.Run("missing name", func(t *testing.T) {
		_, err := Parse(mkRoot(map[string]any{
			"piece length": int64(10), "pieces": mkPieces(1), "length": int64(5),
		}))
		if err != ErrNameMissing {
			t.Fatalf("err = %v, want ErrNameMissing", err)
		}
	})

	t.Run("bad pieces length", func(t *testing.T) {
		_, err := Parse(mkRoot(map[string]any{
			"name": "f", "piece length": int64(10), "pieces": []byte("short"), "length": int64(5),
		}))
		if err != ErrPiecesLenInvalid {
			t.Fatalf("err = %v, want ErrPiecesLenInvalid", err)
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		_, err := Parse(mkRoot(map[string]any{
			"name": "f", "piece length": int64(10), "pieces": mkPieces(5), "length": int64(5),
		}))
		if err != ErrSizeMismatch {
			t.Fatalf("err = %v, want ErrSizeMismatch", err)
		}
	})

	t.Run("both length and files", func(t *testing.T) {
		_, err := Parse(mkRoot(map[string]any{
			"name": "f", "piece length": int64(10), "pieces": mkPieces(1),
			"length": int64(5), "files": []any{},
		}))
		if err != ErrLayoutInvalid {
			t.Fatalf("err = %v, want ErrLayoutInvalid", err)
		}
	})
}

// S1 — single-file round trip: a 65,537-byte file with piece_size 32768
// yields 3 pieces, the last of size 1.
func TestParse_S1_SingleFileRoundTrip(t *testing.T) {
	info := map[string]any{
		"name":         "movie.mp4",
		"piece length": int64(32768),
		"pieces":       mkPieces(3),
		"length":       int64(65537),
	}
	data, err := bencode.Marshal(map[string]any{"announce": "http://t", "info": info})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	d, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if d.PieceCount() != 3 {
		t.Fatalf("piece count = %d, want 3", d.PieceCount())
	}
	if got := d.PieceLen(2); got != 1 {
		t.Fatalf("last piece size = %d, want 1", got)
	}
	if got := d.PieceLen(0); got != 32768 {
		t.Fatalf("piece 0 size = %d, want 32768", got)
	}
}
