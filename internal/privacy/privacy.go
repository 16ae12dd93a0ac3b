// Package privacy seals the sensitive fields of privacy-protected
// transactions. Keys are derived deterministically from the wallet address
// and a configured salt; deployments that need managed keys swap the
// Cipher behind the same interface.
package privacy

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecryptionFailed covers every decrypt failure: version or algorithm
// mismatch, wrong wallet, tampered ciphertext. No partial data escapes.
var ErrDecryptionFailed = errors.New("decryption failed")

const (
	algorithm   = "aes-256-gcm"
	blobVersion = 1
	ivSize      = 16 // 32 hex chars on the wire
	tagSize     = 16
)

// Blob is the stored encrypted payload. All binary fields are lower-case
// hex.
type Blob struct {
	Ciphertext   string `json:"ciphertext"`
	IV           string `json:"iv"`
	AuthTag      string `json:"authTag"`
	AgentKeyHash string `json:"agentKeyHash"`
	Algorithm    string `json:"algorithm"`
	Version      int    `json:"version"`
}

// Payload is the plaintext sealed for a privacy-protected transaction.
type Payload struct {
	Amount       float64        `json:"amount"`
	Counterparty string         `json:"counterparty,omitempty"`
	TokenMint    string         `json:"tokenMint"`
	Metadata     map[string]any `json:"metadata"`
}

// Cipher derives per-wallet keys and seals/opens payloads.
type Cipher struct {
	salt []byte
}

// NewCipher creates a cipher using the configured salt.
func NewCipher(salt string) *Cipher {
	return &Cipher{salt: []byte(salt)}
}

// deriveKey is SHA-256(wallet || salt), 32 bytes.
func (c *Cipher) deriveKey(wallet string) []byte {
	h := sha256.New()
	h.Write([]byte(wallet))
	h.Write(c.salt)
	return h.Sum(nil)
}

func keyHash(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// Encrypt seals the payload for the given wallet. A fresh random IV is
// drawn per call, so re-encrypting the same plaintext yields different
// ciphertext but the same key hash.
func (c *Cipher) Encrypt(wallet string, payload Payload) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	key := c.deriveKey(wallet)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("failed to create gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := Blob{
		Ciphertext:   hex.EncodeToString(ciphertext),
		IV:           hex.EncodeToString(iv),
		AuthTag:      hex.EncodeToString(tag),
		AgentKeyHash: keyHash(key),
		Algorithm:    algorithm,
		Version:      blobVersion,
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("failed to marshal blob: %w", err)
	}
	return string(raw), nil
}

// Decrypt opens a stored blob for the given wallet. The stored key hash is
// checked against the re-derived key before any decryption is attempted;
// tamper detection then rests on the GCM tag.
func (c *Cipher) Decrypt(wallet, rawBlob string) (*Payload, error) {
	var blob Blob
	if err := json.Unmarshal([]byte(rawBlob), &blob); err != nil {
		return nil, fmt.Errorf("%w: malformed blob", ErrDecryptionFailed)
	}
	if blob.Version != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecryptionFailed, blob.Version)
	}
	if blob.Algorithm != algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrDecryptionFailed, blob.Algorithm)
	}

	key := c.deriveKey(wallet)
	if keyHash(key) != blob.AgentKeyHash {
		return nil, fmt.Errorf("%w: key mismatch", ErrDecryptionFailed)
	}

	ciphertext, err := hex.DecodeString(blob.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecryptionFailed)
	}
	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: bad iv", ErrDecryptionFailed)
	}
	tag, err := hex.DecodeString(blob.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad auth tag", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher init", ErrDecryptionFailed)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm init", ErrDecryptionFailed)
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed plaintext", ErrDecryptionFailed)
	}
	return &payload, nil
}
