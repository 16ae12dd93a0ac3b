package privacy

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	walletA = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	walletB = "4Nd1mYQu3ZC1E6XUvBvowjUkX7gYBSrqzvrWvnQ5rEckR"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher("unit-test-salt")
	payload := Payload{
		Amount:       100.5,
		Counterparty: "Cpty",
		TokenMint:    "So11111111111111111111111111111111111111112",
		Metadata:     map[string]any{"fee": 0.000005},
	}

	raw, err := c.Encrypt(walletA, payload)
	require.NoError(t, err)

	got, err := c.Decrypt(walletA, raw)
	require.NoError(t, err)
	assert.Equal(t, payload.Amount, got.Amount)
	assert.Equal(t, payload.Counterparty, got.Counterparty)
	assert.Equal(t, payload.TokenMint, got.TokenMint)
	assert.Equal(t, 0.000005, got.Metadata["fee"])
}

func TestEncryptFreshIVSameKeyHash(t *testing.T) {
	c := NewCipher("unit-test-salt")
	payload := Payload{Amount: 1, TokenMint: "mint"}

	raw1, err := c.Encrypt(walletA, payload)
	require.NoError(t, err)
	raw2, err := c.Encrypt(walletA, payload)
	require.NoError(t, err)

	var b1, b2 Blob
	require.NoError(t, json.Unmarshal([]byte(raw1), &b1))
	require.NoError(t, json.Unmarshal([]byte(raw2), &b2))

	assert.NotEqual(t, b1.IV, b2.IV)
	assert.NotEqual(t, b1.Ciphertext, b2.Ciphertext)
	assert.Equal(t, b1.AgentKeyHash, b2.AgentKeyHash)
	assert.Equal(t, "aes-256-gcm", b1.Algorithm)
	assert.Equal(t, 1, b1.Version)
	assert.Len(t, b1.IV, 32)
	assert.Len(t, b1.AuthTag, 32)
	assert.Len(t, b1.AgentKeyHash, 64)
}

func TestDecryptWrongWallet(t *testing.T) {
	c := NewCipher("unit-test-salt")
	raw, err := c.Encrypt(walletA, Payload{Amount: 42, TokenMint: "mint"})
	require.NoError(t, err)

	_, err = c.Decrypt(walletB, raw)
	assert.True(t, errors.Is(err, ErrDecryptionFailed), "got %v", err)
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	c := NewCipher("unit-test-salt")
	raw, err := c.Encrypt(walletA, Payload{Amount: 42, TokenMint: "mint"})
	require.NoError(t, err)

	var blob Blob
	require.NoError(t, json.Unmarshal([]byte(raw), &blob))
	ct, err := hex.DecodeString(blob.Ciphertext)
	require.NoError(t, err)
	ct[0] ^= 0x01
	blob.Ciphertext = hex.EncodeToString(ct)
	tampered, err := json.Marshal(blob)
	require.NoError(t, err)

	_, err = c.Decrypt(walletA, string(tampered))
	assert.True(t, errors.Is(err, ErrDecryptionFailed), "got %v", err)
}

func TestDecryptRejectsBadHeader(t *testing.T) {
	c := NewCipher("unit-test-salt")
	raw, err := c.Encrypt(walletA, Payload{Amount: 1, TokenMint: "mint"})
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Blob)
	}{
		{"wrong version", func(b *Blob) { b.Version = 2 }},
		{"wrong algorithm", func(b *Blob) { b.Algorithm = "aes-128-cbc" }},
		{"wrong key hash", func(b *Blob) { b.AgentKeyHash = "00" + b.AgentKeyHash[2:] }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var blob Blob
			require.NoError(t, json.Unmarshal([]byte(raw), &blob))
			tc.mutate(&blob)
			mutated, err := json.Marshal(blob)
			require.NoError(t, err)
			_, err = c.Decrypt(walletA, string(mutated))
			assert.True(t, errors.Is(err, ErrDecryptionFailed), "got %v", err)
		})
	}
}

func TestDifferentSaltsDiverge(t *testing.T) {
	c1 := NewCipher("salt-one")
	c2 := NewCipher("salt-two")
	raw, err := c1.Encrypt(walletA, Payload{Amount: 1, TokenMint: "mint"})
	require.NoError(t, err)
	_, err = c2.Decrypt(walletA, raw)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}
