// Package session turns the externally-delivered symmetric key (spec §1,
// §9: "the core accepts ... one symmetric key") into a pair of directional
// AEAD ciphers used by the Transport Endpoint to seal/open datagrams. Key
// agreement itself (the Noise handshake) is an external collaborator and
// is not implemented here; only the post-handshake cipher usage is in
// scope, grounded on noise/handshake.go's use of flynn/noise's cipher
// suite (same DH25519/ChaChaPoly/SHA256 suite the teacher's IKHandshake
// constructs).
package session

import (
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
	"io"

	"crypto/sha256"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Key is a derived, directional AEAD cipher over the session's symmetric
// key. One Key is used to seal outbound datagrams, a second (derived with
// a different HKDF info label) to open inbound ones, so the two directions
// never share nonce space.
type Key struct {
	cipher noise.Cipher
}

// DeriveKeys expands a 32-byte externally-supplied symmetric secret into a
// send/receive key pair via HKDF-SHA256, one label per direction so each
// side's "send" key is the other side's "receive" key.
//
// isInitiator selects which label maps to which direction, mirroring how
// the teacher's IK handshake assigns sendCipher/recvCipher asymmetrically
// per role (noise/handshake.go's processInitiatorMessage /
// processResponderMessage).
func DeriveKeys(secret []byte, isInitiator bool) (send, recv Key, err error) {
	if len(secret) != 32 {
		return Key{}, Key{}, fmt.Errorf("symmetric key must be 32 bytes, got %d", len(secret))
	}

	aToB, err := expand(secret, "rtcmedia a->b")
	if err != nil {
		return Key{}, Key{}, err
	}
	bToA, err := expand(secret, "rtcmedia b->a")
	if err != nil {
		return Key{}, Key{}, err
	}

	if isInitiator {
		return Key{cipher: cipherSuite.Cipher(aToB)}, Key{cipher: cipherSuite.Cipher(bToA)}, nil
	}
	return Key{cipher: cipherSuite.Cipher(bToA)}, Key{cipher: cipherSuite.Cipher(aToB)}, nil
}

func expand(secret []byte, info string) ([32]byte, error) {
	var out [32]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}
