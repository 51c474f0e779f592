package sessioncrypt

import (
	"bytes"
	"testing"
)

func TestNilSealerPassesThrough(t *testing.T) {
	var s *Sealer
	blob := []byte("opaque credential material")
	sealed, err := s.Seal(blob)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !bytes.Equal(sealed, blob) {
		t.Fatalf("nil sealer must not transform the blob")
	}
	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, blob) {
		t.Fatalf("nil sealer must not transform the blob")
	}
}

func TestEmptyPassphraseDisablesSealing(t *testing.T) {
	if New("") != nil {
		t.Fatalf("empty passphrase should return a nil sealer")
	}
}

func TestSealRoundTrip(t *testing.T) {
	s := New("correct horse battery staple")
	blob := []byte(`{"creds":"...","keys":"..."}`)

	sealed, err := s.Seal(blob)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, blob) {
		t.Fatalf("sealed blob should differ from plaintext")
	}

	opened, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, blob) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, blob)
	}
}

func TestSealProducesFreshIV(t *testing.T) {
	s := New("key")
	blob := []byte("same input")
	a, err := s.Seal(blob)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	b, err := s.Seal(blob)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same blob should not be identical")
	}
}

func TestOpenRejectsCorruptBlob(t *testing.T) {
	s := New("key")
	if _, err := s.Open([]byte("short")); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
	sealed, err := s.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.Open(sealed[:len(sealed)-1]); err == nil {
		t.Fatalf("expected error for blob with broken block alignment")
	}
}
