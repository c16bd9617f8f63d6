package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// PublicKey and SecretKey are raw Curve25519 key material. The emz package
// deals in 40-character Z85 strings; callers cross that boundary with
// key.DecodeZ85 / key.EncodeZ85 before handing keys to this package.
type PublicKey [32]byte
type SecretKey [32]byte

// DerivePublic computes the Curve25519 public key for a secret key, so a
// caller that only has a secret key string can still learn its own public
// identity (the public key an Efunguz or Ecataloguz reports for itself).
func DerivePublic(secret SecretKey) PublicKey {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, (*[32]byte)(&secret))
	return PublicKey(pub)
}

// GenerateKeypair returns a fresh random Curve25519 keypair, used for
// ephemeral per-instance identities (e.g. the onion variant's ZAP session
// id is not a Curve25519 key, but tests and examples use this helper to
// mint throwaway peer identities).
func GenerateKeypair() (PublicKey, SecretKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, SecretKey{}, err
	}
	return PublicKey(*pub), SecretKey(*priv), nil
}

// sharedKey derives the precomputed shared key used to seal/open every
// frame on a connection, from the local secret key and the remote's public
// key.
func sharedKey(localSecret SecretKey, remotePublic PublicKey) [32]byte {
	var shared [32]byte
	box.Precompute(&shared, (*[32]byte)(&remotePublic), (*[32]byte)(&localSecret))
	return shared
}

// dialHandshake performs the dialing side of the connection setup: send our
// public key in the clear, then return the shared key to use for every
// subsequent frame. The server's public key is assumed already known (it is
// the ehypha/ecatal server key configured out of band), so there is no
// reply to wait for here.
func dialHandshake(conn net.Conn, localPublic PublicKey, localSecret SecretKey, serverPublic PublicKey) ([32]byte, error) {
	if err := writeRaw(conn, localPublic[:]); err != nil {
		return [32]byte{}, fmt.Errorf("transport: send public key: %w", err)
	}
	return sharedKey(localSecret, serverPublic), nil
}

// acceptHandshake performs the accepting side of the connection setup: read
// the client's public key in the clear and return it along with the shared
// key to use for every subsequent frame. The caller is responsible for
// running the result through ZAP before trusting the connection.
func acceptHandshake(conn net.Conn, localSecret SecretKey) (PublicKey, [32]byte, error) {
	raw, err := readRaw(conn)
	if err != nil {
		return PublicKey{}, [32]byte{}, fmt.Errorf("transport: read public key: %w", err)
	}
	if len(raw) != 32 {
		return PublicKey{}, [32]byte{}, fmt.Errorf("transport: public key frame has length %d, want 32", len(raw))
	}
	var clientPublic PublicKey
	copy(clientPublic[:], raw)
	return clientPublic, sharedKey(localSecret, clientPublic), nil
}

// writeSealed encrypts plaintext with the connection's shared key under a
// fresh random nonce and writes [24-byte nonce][4-byte length][ciphertext].
func writeSealed(conn net.Conn, shared [32]byte, plaintext []byte) error {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("transport: generate nonce: %w", err)
	}
	sealed := box.SealAfterPrecomputation(nil, plaintext, &nonce, &shared)

	out := make([]byte, 24+4+len(sealed))
	copy(out, nonce[:])
	binary.BigEndian.PutUint32(out[24:], uint32(len(sealed)))
	copy(out[28:], sealed)
	_, err := conn.Write(out)
	return err
}

// readSealed reads one sealed frame and decrypts it with the connection's
// shared key.
func readSealed(conn net.Conn, shared [32]byte) ([]byte, error) {
	var header [28]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], header[:24])
	n := binary.BigEndian.Uint32(header[24:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(conn, ciphertext); err != nil {
		return nil, err
	}
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &shared)
	if !ok {
		return nil, fmt.Errorf("transport: frame failed authentication")
	}
	return plaintext, nil
}
