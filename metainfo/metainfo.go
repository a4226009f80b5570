// Package metainfo parses a .torrent file into the fields the rest of the
// client needs: piece table, file list, tracker URLs and the derived
// info-hash. Grounded in the teacher's info.go/torrentfile.go, generalised
// to the bencode package's raw-span-tracking decoder so the info-hash is
// computed over the info dictionary's exact wire bytes (§4.1, §4.2, §8.2)
// rather than a re-encoded approximation.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nsavage/goleech/bencode"
)

// ErrInvalidMetainfo is the sentinel wrapped by every parse failure.
var ErrInvalidMetainfo = errors.New("invalid metainfo")

const HashSize = 20

// InfoHash uniquely identifies a torrent: SHA-1 of the on-wire bytes of the
// info dictionary.
type InfoHash [HashSize]byte

func (h InfoHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// File describes one output file of a (possibly multi-file) torrent.
type File struct {
	// Path is the output-relative path, already joined from the metainfo's
	// path-component list.
	Path string
	// Length is the file's declared length in bytes.
	Length int64
	// Offset is this file's starting byte offset within the concatenated
	// payload (the "CumStart" teacher's SubFile carries).
	Offset int64
}

// Metainfo is the immutable, parsed form of a .torrent file (§3: "Metainfo
// is constructed once from a file and is immutable thereafter").
type Metainfo struct {
	Name        string
	InfoHash    InfoHash
	PieceLength int64
	PieceHashes [][HashSize]byte
	Files       []File
	TotalLength int64
	Announce    []string
}

// Multi reports whether this torrent declares more than one output file.
func (m *Metainfo) Multi() bool {
	return len(m.Files) > 1
}

// NumPieces returns N, the number of pieces in the piece-hash table.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the size in bytes of the piece at index i, accounting
// for the last piece being a possibly-shorter remainder (§3, §4.2).
func (m *Metainfo) PieceLen(i int) int64 {
	if i == len(m.PieceHashes)-1 {
		if rem := m.TotalLength % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

// Load decodes raw as a bencoded metainfo file and extracts the fields
// described in §4.2. Metainfo files produced in the wild are not always
// canonical bencode (some producers emit dict keys out of order), so
// decoding is non-strict; the info-hash is still exact because it is taken
// from Value.Raw(), the literal wire bytes, not a re-encoding.
func Load(raw []byte) (*Metainfo, error) {
	root, rest, err := bencode.Decode(raw, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMetainfo, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after top-level value", ErrInvalidMetainfo)
	}
	if root.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: top-level value is not a dictionary", ErrInvalidMetainfo)
	}

	infoVal, ok := root.Dict["info"]
	if !ok || infoVal.Kind != bencode.KindDict {
		return nil, fmt.Errorf("%w: missing info dictionary", ErrInvalidMetainfo)
	}
	infoHash := InfoHash(sha1.Sum(infoVal.Raw()))

	name, err := requiredString(infoVal, "name")
	if err != nil {
		return nil, err
	}
	pieceLength, err := requiredInt(infoVal, "piece length")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length must be positive, got %d", ErrInvalidMetainfo, pieceLength)
	}
	piecesVal, ok := infoVal.Dict["pieces"]
	if !ok || piecesVal.Kind != bencode.KindString {
		return nil, fmt.Errorf("%w: missing pieces string", ErrInvalidMetainfo)
	}
	if len(piecesVal.Str)%HashSize != 0 {
		return nil, fmt.Errorf("%w: pieces length %d not a multiple of %d", ErrInvalidMetainfo, len(piecesVal.Str), HashSize)
	}
	n := len(piecesVal.Str) / HashSize
	hashes := make([][HashSize]byte, n)
	for i := range hashes {
		copy(hashes[i][:], piecesVal.Str[i*HashSize:(i+1)*HashSize])
	}

	files, totalLength, err := parseFiles(infoVal, name)
	if err != nil {
		return nil, err
	}

	expectedPieces := int((totalLength + pieceLength - 1) / pieceLength)
	if totalLength == 0 {
		expectedPieces = 0
	}
	if expectedPieces != n {
		return nil, fmt.Errorf("%w: ceil(total_length/piece_length)=%d does not match piece table length %d", ErrInvalidMetainfo, expectedPieces, n)
	}

	announce, err := announceURLs(root)
	if err != nil {
		return nil, err
	}

	return &Metainfo{
		Name:        name,
		InfoHash:    infoHash,
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       files,
		TotalLength: totalLength,
		Announce:    announce,
	}, nil
}

func parseFiles(info *bencode.Value, name string) ([]File, int64, error) {
	if lengthVal, ok := info.Dict["length"]; ok {
		if lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
			return nil, 0, fmt.Errorf("%w: invalid length", ErrInvalidMetainfo)
		}
		return []File{{Path: name, Length: lengthVal.Int, Offset: 0}}, lengthVal.Int, nil
	}

	filesVal, ok := info.Dict["files"]
	if !ok || filesVal.Kind != bencode.KindList || len(filesVal.List) == 0 {
		return nil, 0, fmt.Errorf("%w: info dictionary has neither length nor files", ErrInvalidMetainfo)
	}

	files := make([]File, len(filesVal.List))
	var offset int64
	for i, entry := range filesVal.List {
		if entry.Kind != bencode.KindDict {
			return nil, 0, fmt.Errorf("%w: file %d is not a dictionary", ErrInvalidMetainfo, i)
		}
		lengthVal, ok := entry.Dict["length"]
		if !ok || lengthVal.Kind != bencode.KindInt || lengthVal.Int < 0 {
			return nil, 0, fmt.Errorf("%w: file %d missing valid length", ErrInvalidMetainfo, i)
		}
		pathVal, ok := entry.Dict["path"]
		if !ok || pathVal.Kind != bencode.KindList || len(pathVal.List) == 0 {
			return nil, 0, fmt.Errorf("%w: file %d missing path", ErrInvalidMetainfo, i)
		}
		parts := make([]string, len(pathVal.List))
		for j, p := range pathVal.List {
			if p.Kind != bencode.KindString {
				return nil, 0, fmt.Errorf("%w: file %d path component %d is not a string", ErrInvalidMetainfo, i, j)
			}
			parts[j] = string(p.Str)
		}
		full := append([]string{name}, parts...)
		files[i] = File{
			Path:   filepath.Join(full...),
			Length: lengthVal.Int,
			Offset: offset,
		}
		offset += lengthVal.Int
	}
	return files, offset, nil
}

// announceURLs flattens announce + announce-list (§4.2), deduplicating
// while preserving first-seen order.
func announceURLs(root *bencode.Value) ([]string, error) {
	seen := make(map[string]bool)
	var urls []string

	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		urls = append(urls, s)
	}

	if v, ok := root.Dict["announce"]; ok && v.Kind == bencode.KindString {
		add(string(v.Str))
	}
	if v, ok := root.Dict["announce-list"]; ok && v.Kind == bencode.KindList {
		for _, tier := range v.List {
			if tier.Kind != bencode.KindList {
				continue
			}
			for _, u := range tier.List {
				if u.Kind == bencode.KindString {
					add(string(u.Str))
				}
			}
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: missing announce and announce-list", ErrInvalidMetainfo)
	}
	return urls, nil
}

func requiredString(v *bencode.Value, key string) (string, error) {
	val, ok := v.Dict[key]
	if !ok || val.Kind != bencode.KindString || len(val.Str) == 0 {
		return "", fmt.Errorf("%w: missing key %q", ErrInvalidMetainfo, key)
	}
	return string(val.Str), nil
}

func requiredInt(v *bencode.Value, key string) (int64, error) {
	val, ok := v.Dict[key]
	if !ok || val.Kind != bencode.KindInt {
		return 0, fmt.Errorf("%w: missing key %q", ErrInvalidMetainfo, key)
	}
	return val.Int, nil
}
