package streamcrypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := EncryptionKey(bytes.Repeat([]byte{0x01}, SecretSize))
	plaintext := []byte("hello stream")

	ciphertext, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	require.Len(t, ciphertext, len(plaintext)+Overhead)

	got, err := Decrypt(key, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key := EncryptionKey(bytes.Repeat([]byte{0x02}, SecretSize))
	ciphertext, err := Encrypt(key, []byte("payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = Decrypt(key, ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	_, err := Decrypt(make([]byte, SecretSize), []byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestFulfillmentBindsToExactCiphertext(t *testing.T) {
	secret := bytes.Repeat([]byte{0x03}, SecretSize)
	ciphertext := []byte("ciphertext-bytes")

	cond := Condition(secret, ciphertext)
	fulfillment := Fulfillment(secret, ciphertext)
	require.True(t, VerifyFulfillment(cond, fulfillment))

	tampered := append([]byte{}, ciphertext...)
	tampered[0] ^= 0x01
	wrongFulfillment := Fulfillment(secret, tampered)
	require.False(t, VerifyFulfillment(cond, wrongFulfillment))
}

func TestRandomSecretIsUsable(t *testing.T) {
	s, err := RandomSecret()
	require.NoError(t, err)
	defer s.Destroy()
	require.Len(t, s.Bytes(), SecretSize)
}
