package funding

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const cardSealInfo = "transferd card seal v1"

// ErrSealedCard indicates a sealed card number could not be opened.
var ErrSealedCard = errors.New("sealed card number is invalid")

// CardSealer encrypts card numbers held in pending withdrawals so the store
// only ever sees the masked number and an opaque ciphertext.
type CardSealer struct {
	aead cipher.AEAD
}

// NewCardSealer derives an XChaCha20-Poly1305 key from secret.
func NewCardSealer(secret string) (*CardSealer, error) {
	if secret == "" {
		return nil, errors.New("card seal secret is required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(cardSealInfo)), key); err != nil {
		return nil, fmt.Errorf("derive card key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &CardSealer{aead: aead}, nil
}

// Seal encrypts card and binds the ciphertext to walletID.
func (s *CardSealer) Seal(card, walletID string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(card)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(s.aead.Seal(nonce, nonce, []byte(card), []byte(walletID))), nil
}

// Open reverses Seal. A ciphertext sealed for another wallet fails.
func (s *CardSealer) Open(sealed, walletID string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil || len(raw) < s.aead.NonceSize() {
		return "", ErrSealedCard
	}
	nonce, ciphertext := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	card, err := s.aead.Open(nil, nonce, ciphertext, []byte(walletID))
	if err != nil {
		return "", ErrSealedCard
	}
	return string(card), nil
}
