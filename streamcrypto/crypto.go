package streamcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
)

// Key material labels (§4.A). These are hashed, not concatenated, so they
// never collide with arbitrary-length application data.
const (
	labelEncryption  = "ilp_stream_encryption"
	labelFulfillment = "ilp_stream_fulfillment"
)

// ivSize and tagSize make up the 28-byte AES-256-GCM overhead §4.A documents.
const (
	ivSize    = 12
	tagSize   = 16
	Overhead  = ivSize + tagSize
	keyLength = 32
)

// ErrDecrypt is returned by Decrypt when the tag fails to verify or the
// ciphertext is too short to contain an IV and tag.
var ErrDecrypt = errors.New("streamcrypto: decryption failed")

// HMACSHA256 computes HMAC-SHA256(key, msg).
func HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// EncryptionKey derives psk_encryption_key = hmac(shared_secret, "ilp_stream_encryption").
func EncryptionKey(sharedSecret []byte) []byte {
	return HMACSHA256(sharedSecret, []byte(labelEncryption))
}

// FulfillmentKey derives fulfillment_key = hmac(shared_secret, "ilp_stream_fulfillment").
func FulfillmentKey(sharedSecret []byte) []byte {
	return HMACSHA256(sharedSecret, []byte(labelFulfillment))
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Encrypt seals plaintext under key (which must derive from EncryptionKey)
// using AES-256-GCM with a freshly random 12-byte IV, returning
// iv(12) || tag(16) || ciphertext, as §4.A specifies.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	// Seal appends ciphertext||tag after iv when dst == iv's backing slice
	// start; build the layout explicitly instead to keep iv/tag/ciphertext
	// ordering exactly as the spec lays it out (iv, tag, ciphertext).
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt opens a blob produced by Encrypt. Returns ErrDecrypt on any
// length mismatch or authentication failure — deliberately undetailed, per
// §7's "no oracle leakage" policy for inbound decode/decrypt failures.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, ErrDecrypt
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecrypt
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, ErrDecrypt
	}
	iv := blob[:ivSize]
	tag := blob[ivSize : ivSize+tagSize]
	ciphertext := blob[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Fulfillment computes fulfillment = hmac(fulfillment_key, ciphertext).
func Fulfillment(sharedSecret, ciphertext []byte) []byte {
	return HMACSHA256(FulfillmentKey(sharedSecret), ciphertext)
}

// Condition computes condition = SHA256(fulfillment), the value placed in
// the ILP Prepare's executionCondition field.
func Condition(sharedSecret, ciphertext []byte) [32]byte {
	f := Fulfillment(sharedSecret, ciphertext)
	return sha256.Sum256(f)
}

// VerifyFulfillment checks that sha256(fulfillment) == condition, as an ILP
// plugin or test harness would when validating a Fulfill response.
func VerifyFulfillment(condition [32]byte, fulfillment []byte) bool {
	sum := sha256.Sum256(fulfillment)
	return hmac.Equal(sum[:], condition[:])
}
