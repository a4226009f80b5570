package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/nsavage/goleech/bencode"
)

func buildSingleFile(t *testing.T, pieceLen, fileLen int64, announce string) []byte {
	t.Helper()
	hash := sha1.Sum(make([]byte, pieceLen))
	info := bencode.Dict(map[string]*bencode.Value{
		"name":         bencode.String("movie.mkv"),
		"piece length": bencode.Int(pieceLen),
		"length":       bencode.Int(fileLen),
		"pieces":       bencode.Bytes(hash[:]),
	})
	root := bencode.Dict(map[string]*bencode.Value{
		"announce": bencode.String(announce),
		"info":     info,
	})
	return bencode.Encode(root)
}

func TestLoadSingleFile(t *testing.T) {
	raw := buildSingleFile(t, 16384, 16384, "http://tracker.example/announce")
	m, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Name != "movie.mkv" {
		t.Errorf("Name = %q", m.Name)
	}
	if m.TotalLength != 16384 {
		t.Errorf("TotalLength = %d", m.TotalLength)
	}
	if m.NumPieces() != 1 {
		t.Errorf("NumPieces() = %d", m.NumPieces())
	}
	if len(m.Files) != 1 || m.Files[0].Path != "movie.mkv" {
		t.Errorf("Files = %+v", m.Files)
	}
	if len(m.Announce) != 1 || m.Announce[0] != "http://tracker.example/announce" {
		t.Errorf("Announce = %+v", m.Announce)
	}
}

func TestLoadMultiFile(t *testing.T) {
	pieceLen := int64(16384)
	hash := sha1.Sum(make([]byte, pieceLen*3))
	// 40000 bytes at 16384 bytes a piece need three piece hashes.
	pieces := make([]byte, 0, 3*HashSize)
	for i := 0; i < 3; i++ {
		pieces = append(pieces, hash[:]...)
	}
	files := bencode.List(
		bencode.Dict(map[string]*bencode.Value{
			"length": bencode.Int(10000),
			"path":   bencode.List(bencode.String("a.txt")),
		}),
		bencode.Dict(map[string]*bencode.Value{
			"length": bencode.Int(30000),
			"path":   bencode.List(bencode.String("sub"), bencode.String("b.txt")),
		}),
	)
	info := bencode.Dict(map[string]*bencode.Value{
		"name":         bencode.String("bundle"),
		"piece length": bencode.Int(pieceLen),
		"files":        files,
		"pieces":       bencode.Bytes(pieces),
	})
	root := bencode.Dict(map[string]*bencode.Value{
		"announce": bencode.String("udp://tracker.example:80"),
		"info":     info,
	})
	m, err := Load(bencode.Encode(root))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.TotalLength != 40000 {
		t.Errorf("TotalLength = %d", m.TotalLength)
	}
	if !m.Multi() {
		t.Errorf("expected Multi() true")
	}
	if m.Files[1].Offset != 10000 {
		t.Errorf("second file offset = %d, want 10000", m.Files[1].Offset)
	}
}

func TestLoadInfoHashIsOverRawBytes(t *testing.T) {
	// Build a dictionary whose keys are intentionally out of canonical
	// order inside info, and verify the hash is over the literal bytes,
	// not a re-encoding (which would sort the keys and change the hash).
	raw := []byte("d8:announce20:http://tracker.test/4:infod4:name4:test12:piece lengthi16384e6:lengthi16384e6:pieces20:")
	hash := sha1.Sum(make([]byte, 16384))
	raw = append(raw, hash[:]...)
	raw = append(raw, 'e', 'e')

	m, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Recompute expected hash directly from the substring spanning the
	// info value as it appears in raw.
	start := len("d8:announce20:http://tracker.test/4:info")
	end := len(raw) - 1 // trailing outer 'e'
	expected := sha1.Sum(raw[start:end])
	if m.InfoHash != InfoHash(expected) {
		t.Errorf("InfoHash mismatch: got %s want %x", m.InfoHash, expected)
	}
}

func TestLoadRejectsBadPieceCount(t *testing.T) {
	pieceLen := int64(16384)
	hash := sha1.Sum(make([]byte, pieceLen)) // only one piece hash
	info := bencode.Dict(map[string]*bencode.Value{
		"name":         bencode.String("x"),
		"piece length": bencode.Int(pieceLen),
		"length":       bencode.Int(pieceLen * 2), // should need 2 pieces
		"pieces":       bencode.Bytes(hash[:]),
	})
	root := bencode.Dict(map[string]*bencode.Value{
		"announce": bencode.String("http://t/"),
		"info":     info,
	})
	if _, err := Load(bencode.Encode(root)); err == nil {
		t.Fatal("expected error for mismatched piece count")
	}
}

func TestLoadRejectsMissingAnnounce(t *testing.T) {
	raw := buildSingleFile(t, 16384, 16384, "")
	if _, err := Load(raw); err == nil {
		t.Fatal("expected error for missing announce")
	}
}
