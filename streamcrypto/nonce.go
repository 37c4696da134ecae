package streamcrypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
)

// receiptNonceSize matches receipt.Size's 16-byte nonce field.
const receiptNonceSize = 16

// DeriveReceiptNonceBatch pre-mints n distinct receipt nonces for epoch from
// receiptSecret via a single HKDF-Expand pass (RFC 5869), instead of n
// separate CSPRNG reads. A connection calls this once per epoch to refill
// its nonce queue rather than minting nonces one at a time, an enrichment
// beyond the spec's bare "nonce" field — the nonce still only needs to be
// unique per receipt, which a keyed expand over a monotonic epoch counter
// guarantees as well as random generation would.
func DeriveReceiptNonceBatch(receiptSecret []byte, epoch uint64, n int) ([][]byte, error) {
	info := make([]byte, 8)
	binary.BigEndian.PutUint64(info, epoch)

	r := hkdf.New(sha256.New, receiptSecret, nil, info)
	out := make([][]byte, n)
	for i := range out {
		nonce := make([]byte, receiptNonceSize)
		if _, err := io.ReadFull(r, nonce); err != nil {
			return nil, err
		}
		out[i] = nonce
	}
	return out, nil
}
