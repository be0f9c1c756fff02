package session

import "fmt"

// Seal encrypts plaintext under this key with the given nonce counter and
// additional data. Nonce counters must never repeat for a given Key; the
// Transport Endpoint uses its own per-endpoint frame counter as the nonce
// (carried in the frame header) and passes nil additional data.
func (k Key) Seal(nonce uint64, ad, plaintext []byte) []byte {
	return k.cipher.Encrypt(nil, nonce, ad, plaintext)
}

// Open decrypts and authenticates ciphertext. A failure here is the spec
// §4.1 "Decrypt failure" case: the caller must drop the datagram and
// increment a counter, not propagate the error further than one stage hop
// (spec §7 "Propagation").
func (k Key) Open(nonce uint64, ad, ciphertext []byte) ([]byte, error) {
	pt, err := k.cipher.Decrypt(nil, nonce, ad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return pt, nil
}
