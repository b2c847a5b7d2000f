// Package security holds at-rest protection for third-party credentials.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"commercehub/internal/types"
)

const (
	keySize   = 32
	nonceSize = 24
)

// ErrSealedTokenInvalid is returned when a sealed value is truncated,
// tampered with, or sealed under a different key.
var ErrSealedTokenInvalid = errors.New("sealed token failed authentication")

// TokenSealer encrypts tokens with XSalsa20-Poly1305. Output is
// nonce || box.
type TokenSealer struct {
	key [keySize]byte
}

// NewTokenSealer parses a 64-character hex key.
func NewTokenSealer(hexKey types.SecretString) (*TokenSealer, error) {
	raw, err := hex.DecodeString(hexKey.Unmask())
	if err != nil {
		return nil, fmt.Errorf("token key is not hex: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("token key must be %d bytes, got %d", keySize, len(raw))
	}

	s := &TokenSealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (s *TokenSealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open authenticates and decrypts a value produced by Seal.
func (s *TokenSealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealedTokenInvalid
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealedTokenInvalid
	}
	return plain, nil
}
