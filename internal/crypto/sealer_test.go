package crypto

import (
	"bytes"
	"testing"
)

func testKey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(1, testKey(1), 2)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	plaintext := []byte("FLASH: all units hold position")
	sealed, err := s.Seal(plaintext, []byte("node-a"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := s.Open(sealed, []byte("node-a"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	s, err := NewSealer(1, testKey(1), 2)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s.Seal([]byte("sensitive"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed.Ciphertext[0] ^= 0xFF

	if _, err := s.Open(sealed, nil); err != ErrIntegrity {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestOpenRejectsWrongAdditionalData(t *testing.T) {
	s, err := NewSealer(1, testKey(1), 2)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	sealed, err := s.Seal([]byte("sensitive"), []byte("node-a"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s.Open(sealed, []byte("node-b")); err != ErrIntegrity {
		t.Fatalf("err = %v, want ErrIntegrity", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s, err := NewSealer(1, testKey(1), 2)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	encoded := sealed.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.KeyVersion != sealed.KeyVersion || !bytes.Equal(decoded.Nonce, sealed.Nonce) || !bytes.Equal(decoded.Ciphertext, sealed.Ciphertext) {
		t.Fatalf("decoded = %+v, want %+v", decoded, sealed)
	}
}

func TestRotateRetainsOldKeyWithinHorizon(t *testing.T) {
	s, err := NewSealer(1, testKey(1), 2)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal([]byte("before rotation"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if err := s.Rotate(2, testKey(2)); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	got, err := s.Open(sealed, nil)
	if err != nil {
		t.Fatalf("open after rotation: %v", err)
	}
	if string(got) != "before rotation" {
		t.Fatalf("got %q", got)
	}
}

func TestRotateEvictsBeyondRetentionHorizon(t *testing.T) {
	s, err := NewSealer(1, testKey(1), 1)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal([]byte("ancient"), nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if err := s.Rotate(2, testKey(2)); err != nil {
		t.Fatalf("rotate to 2: %v", err)
	}
	if err := s.Rotate(3, testKey(3)); err != nil {
		t.Fatalf("rotate to 3: %v", err)
	}

	if _, err := s.Open(sealed, nil); err != ErrIntegrity {
		t.Fatalf("err = %v, want ErrIntegrity (key version 1 should have been evicted)", err)
	}
}
