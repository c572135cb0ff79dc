// Package metainfo parses the bencoded torrent file format into a
// structured, immutable descriptor and computes its infohash byte-exactly
// from the source bytes.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arashi-run/gorent/internal/bencode"
)

// BlockSize is the fixed request granularity mandated by the peer-wire
// protocol, independent of piece size.
const BlockSize = 16384

// FileEntry is one file within the logical byte vector the piece store
// presents. Offset is the file's starting position in that vector;
// offsets are monotonic and the last Offset+Size equals the descriptor's
// TotalSize.
type FileEntry struct {
	RelativePath string
	Size         int64
	Offset       int64
}

// Descriptor is the parsed, immutable view of a torrent file.
type Descriptor struct {
	Name        string
	Files       []FileEntry
	TotalSize   int64
	PieceSize   int64
	PieceHashes [][sha1.Size]byte
	InfoHash    [sha1.Size]byte
	Trackers    []string
	Announce    string
	IsPrivate   *bool

	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
}

// PieceCount returns the number of pieces implied by TotalSize/PieceSize.
func (d *Descriptor) PieceCount() int { return len(d.PieceHashes) }

// PieceLen returns the size in bytes of piece p, accounting for a final
// piece shorter than PieceSize.
func (d *Descriptor) PieceLen(p int) int64 {
	if p == d.PieceCount()-1 {
		if rem := d.TotalSize % d.PieceSize; rem != 0 {
			return rem
		}
	}
	return d.PieceSize
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not a multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
	ErrSizeMismatch        = errors.New("metainfo: total length does not match piece count")
)

// Parse decodes data as a torrent file and builds a Descriptor. All
// failures are InvalidMetainfo-class: fatal at startup, not session-local.
func Parse(data []byte) (*Descriptor, error) {
	d := bencode.NewDecoder(data)
	root, spans, err := d.DecodeDictWithSpans()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTopLevelNotDict, err)
	}

	announce, err := parseOptionalString(root["announce"])
	if err != nil {
		return nil, err
	}
	announceList, err := parseAnnounceList(root["announce-list"])
	if err != nil {
		return nil, err
	}
	if announce == "" && len(announceList) == 0 {
		return nil, ErrAnnounceMissing
	}
	trackers := mergeTrackers(announce, announceList)

	var creationDate time.Time
	if v, ok := root["creation date"]; ok {
		secs, err := toInt(v)
		if err != nil || secs < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(secs, 0).UTC()
	}

	createdBy, err := parseOptionalString(root["created by"])
	if err != nil {
		return nil, err
	}
	comment, err := parseOptionalString(root["comment"])
	if err != nil {
		return nil, err
	}
	encoding, err := parseOptionalString(root["encoding"])
	if err != nil {
		return nil, err
	}

	infoVal, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoVal.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	name, pieceSize, pieces, isPrivate, files, totalSize, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}

	wantPieces := (totalSize + pieceSize - 1) / pieceSize
	if int64(len(pieces)) != wantPieces {
		return nil, ErrSizeMismatch
	}

	span := spans["info"]
	infoBytes := d.Source()[span.Start:span.End]
	hash := sha1.Sum(infoBytes)

	return &Descriptor{
		Name:         name,
		Files:        files,
		TotalSize:    totalSize,
		PieceSize:    pieceSize,
		PieceHashes:  pieces,
		InfoHash:     hash,
		Trackers:     trackers,
		Announce:     announce,
		IsPrivate:    isPrivate,
		CreationDate: creationDate,
		CreatedBy:    createdBy,
		Comment:      comment,
		Encoding:     encoding,
	}, nil
}

func parseInfo(dict map[string]any) (name string, pieceSize int64, pieces [][sha1.Size]byte, isPrivate *bool, files []FileEntry, totalSize int64, err error) {
	nameVal, ok := dict["name"]
	if !ok {
		return "", 0, nil, nil, nil, 0, ErrNameMissing
	}
	name, err = toString(nameVal)
	if err != nil || name == "" {
		return "", 0, nil, nil, nil, 0, fmt.Errorf("metainfo: invalid 'name': %w", err)
	}

	plVal, ok := dict["piece length"]
	if !ok {
		return "", 0, nil, nil, nil, 0, ErrPieceLenMissing
	}
	pieceSize, err = toInt(plVal)
	if err != nil || pieceSize <= 0 {
		return "", 0, nil, nil, nil, 0, ErrPieceLenNonPositive
	}

	pieces, err = parsePieces(dict["pieces"])
	if err != nil {
		return "", 0, nil, nil, nil, 0, err
	}

	if v, ok := dict["private"]; ok {
		n, err := toInt(v)
		if err != nil || (n != 0 && n != 1) {
			return "", 0, nil, nil, nil, 0, fmt.Errorf("metainfo: invalid 'private' flag")
		}
		b := n == 1
		isPrivate = &b
	}

	lengthVal, hasLength := dict["length"]
	filesVal, hasFiles := dict["files"]

	switch {
	case hasLength && !hasFiles:
		length, err := toInt(lengthVal)
		if err != nil || length < 0 {
			return "", 0, nil, nil, nil, 0, fmt.Errorf("metainfo: invalid 'length'")
		}
		files = []FileEntry{{RelativePath: name, Size: length, Offset: 0}}
		totalSize = length

	case hasFiles && !hasLength:
		files, err = parseFiles(filesVal)
		if err != nil {
			return "", 0, nil, nil, nil, 0, err
		}
		var offset int64
		for i := range files {
			files[i].Offset = offset
			offset += files[i].Size
		}
		totalSize = offset

	default:
		return "", 0, nil, nil, nil, 0, ErrLayoutInvalid
	}

	return name, pieceSize, pieces, isPrivate, files, totalSize, nil
}

func parseFiles(v any) ([]FileEntry, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("metainfo: invalid or empty 'files'")
	}

	files := make([]FileEntry, 0, len(arr))
	for i, it := range arr {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: not a dict", i)
		}

		fl, ok := m["length"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: length missing", i)
		}
		ln, err := toInt(fl)
		if err != nil || ln < 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
		}

		rawPath, ok := m["path"]
		if !ok {
			return nil, fmt.Errorf("metainfo: files[%d]: path missing", i)
		}
		segments, err := toStringSlice(rawPath)
		if err != nil || len(segments) == 0 {
			return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
		}

		files = append(files, FileEntry{RelativePath: filepath.Join(segments...), Size: ln})
	}

	return files, nil
}

func parseAnnounceList(v any) ([][]string, error) {
	if v == nil {
		return nil, nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("metainfo: invalid announce-list")
	}
	tiered, err := toTieredStrings(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: invalid announce-list: %w", err)
	}

	out := make([][]string, 0, len(tiered))
	for _, tier := range tiered {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out, nil
}

// mergeTrackers resolves the BEP-12 open question in favor of
// announce-list when present, falling back to the scalar announce field.
func mergeTrackers(announce string, announceList [][]string) []string {
	if len(announceList) > 0 {
		var out []string
		seen := make(map[string]bool)
		for _, tier := range announceList {
			for _, u := range tier {
				if !seen[u] {
					seen[u] = true
					out = append(out, u)
				}
			}
		}
		return out
	}
	if announce != "" {
		return []string{announce}
	}
	return nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return toString(v)
}

func parsePieces(v any) ([][sha1.Size]byte, error) {
	if v == nil {
		return nil, ErrPiecesMissing
	}

	raw, err := toBytes(v)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}
	return out, nil
}
