// Package crypto implements payload sealing for message content at rest
// and in transit within the relay. It follows the teacher's habit of
// wrapping a single external primitive behind a small, testable
// interface (see pkg/queue's Producer/Consumer contracts) rather than
// scattering AEAD calls through handler code. The primitive itself is
// golang.org/x/crypto/chacha20poly1305, the AEAD construction the
// retrieval pack reaches for (dataparency-dev-AI-delegation's
// golang.org/x/crypto pull).
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity is returned when a sealed payload fails authentication,
// whether from tampering, truncation, or the wrong key version.
var ErrIntegrity = errors.New("crypto: payload failed integrity check")

// Sealed is a self-describing ciphertext: enough to find the key used
// to produce it without trusting any caller-supplied metadata.
type Sealed struct {
	KeyVersion int    `json:"key_version"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Encode renders Sealed as a single opaque string for storage.
func (s Sealed) Encode() string {
	return fmt.Sprintf("%d.%s.%s", s.KeyVersion,
		base64.RawURLEncoding.EncodeToString(s.Nonce),
		base64.RawURLEncoding.EncodeToString(s.Ciphertext))
}

// Decode parses a string previously produced by Sealed.Encode.
func Decode(s string) (Sealed, error) {
	parts := splitThree(s)
	if parts == nil {
		return Sealed{}, fmt.Errorf("crypto: malformed sealed payload")
	}
	keyVersion, err := parseInt(parts[0])
	if err != nil {
		return Sealed{}, fmt.Errorf("crypto: malformed key version: %w", err)
	}
	nonceB64, ctB64 := parts[1], parts[2]
	nonce, err := base64.RawURLEncoding.DecodeString(nonceB64)
	if err != nil {
		return Sealed{}, fmt.Errorf("crypto: malformed nonce: %w", err)
	}
	ct, err := base64.RawURLEncoding.DecodeString(ctB64)
	if err != nil {
		return Sealed{}, fmt.Errorf("crypto: malformed ciphertext: %w", err)
	}
	return Sealed{KeyVersion: keyVersion, Nonce: nonce, Ciphertext: ct}, nil
}

func parseInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func splitThree(s string) []string {
	out := make([]string, 0, 3)
	start := 0
	for i := 0; i < len(s) && len(out) < 2; i++ {
		if s[i] == '.' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if len(out) != 2 {
		return nil
	}
	out = append(out, s[start:])
	return out
}

// EventEmitter records integrity-relevant events for the audit trail.
// Dispatch-for-audit is deliberately decoupled from Sealer so this
// package has no dependency on the audit store's schema.
type EventEmitter interface {
	EmitEncrypt(keyVersion int)
	EmitIntegrityFailure(reason string)
}

type noopEmitter struct{}

func (noopEmitter) EmitEncrypt(int)          {}
func (noopEmitter) EmitIntegrityFailure(string) {}

// Sealer seals and opens message content with AEAD, supporting key
// rotation by retaining a bounded window of retired keys for decryption.
type Sealer struct {
	mu       sync.RWMutex
	current  int
	keys     map[int][]byte // keyVersion -> 32-byte key
	retain   int            // max retired key versions kept
	emitter  EventEmitter
}

// NewSealer builds a Sealer whose active key is keyVersion, keyed by a
// 32-byte (or longer, truncated) secret derived from key material. retain
// bounds how many older key versions stay available for Open after a
// rotation (spec.md's key rotation retention horizon).
func NewSealer(keyVersion int, key []byte, retain int) (*Sealer, error) {
	k, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	if retain < 0 {
		retain = 0
	}
	return &Sealer{
		current: keyVersion,
		keys:    map[int][]byte{keyVersion: k},
		retain:  retain,
		emitter: noopEmitter{},
	}, nil
}

// WithEmitter attaches an audit event emitter, returning the sealer for
// chaining.
func (s *Sealer) WithEmitter(e EventEmitter) *Sealer {
	if e != nil {
		s.emitter = e
	}
	return s
}

func normalizeKey(key []byte) ([]byte, error) {
	if len(key) < chacha20poly1305.KeySize {
		return nil, fmt.Errorf("crypto: key must be at least %d bytes", chacha20poly1305.KeySize)
	}
	out := make([]byte, chacha20poly1305.KeySize)
	copy(out, key[:chacha20poly1305.KeySize])
	return out, nil
}

// Rotate introduces a new active key version, retaining the previous
// active key (and any others) up to the configured retention horizon.
func (s *Sealer) Rotate(newVersion int, newKey []byte) error {
	k, err := normalizeKey(newKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[newVersion] = k
	s.current = newVersion
	s.evictLocked()
	return nil
}

func (s *Sealer) evictLocked() {
	if len(s.keys) <= s.retain+1 {
		return
	}
	// Deterministic eviction: drop the lowest surviving version below
	// the retention horizon, never the current version.
	for len(s.keys) > s.retain+1 {
		lowest := s.current
		found := false
		for v := range s.keys {
			if v == s.current {
				continue
			}
			if !found || v < lowest {
				lowest = v
				found = true
			}
		}
		if !found {
			return
		}
		delete(s.keys, lowest)
	}
}

// Seal encrypts plaintext under the currently active key, returning a
// self-describing Sealed value with a fresh random 96-bit nonce.
func (s *Sealer) Seal(plaintext, additionalData []byte) (Sealed, error) {
	s.mu.RLock()
	version := s.current
	key := s.keys[version]
	s.mu.RUnlock()

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("crypto: init aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, additionalData)
	s.emitter.EmitEncrypt(version)
	return Sealed{KeyVersion: version, Nonce: nonce, Ciphertext: ct}, nil
}

// Open authenticates and decrypts a Sealed value. It never returns a
// partial plaintext: on any failure the returned slice is nil.
func (s *Sealer) Open(sealed Sealed, additionalData []byte) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[sealed.KeyVersion]
	s.mu.RUnlock()
	if !ok {
		s.emitter.EmitIntegrityFailure("unknown key version")
		return nil, ErrIntegrity
	}
	if len(sealed.Nonce) != chacha20poly1305.NonceSize {
		s.emitter.EmitIntegrityFailure("bad nonce length")
		return nil, ErrIntegrity
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	pt, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, additionalData)
	if err != nil {
		s.emitter.EmitIntegrityFailure("authentication failed")
		return nil, ErrIntegrity
	}
	return pt, nil
}

// CurrentVersion returns the active key version.
func (s *Sealer) CurrentVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
