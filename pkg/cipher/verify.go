// Package cipher implements the pair-verify transport cipher (§4.7a): a
// Curve25519 ECDH against the controller's Ed25519 long-term key, an
// HKDF-SHA512 key derivation, and the ChaCha20-Poly1305 frame cipher that
// encrypts every RTSP exchange once verification completes. The SRP
// pair-setup handshake and long-term keypair storage are out of scope
// (§1) — this package only establishes and runs the per-session transport
// cipher.
package cipher

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrVerifyFailed is returned when the controller's Ed25519 signature over
// the ECDH transcript does not verify.
var ErrVerifyFailed = errors.New("cipher: pair-verify signature mismatch")

const (
	verifySaltInfo = "Pair-Verify-Encrypt-Salt"

	// Deriving distinct accessory->controller and controller->accessory keys
	// (rather than one shared key used in both directions) keeps each
	// direction's nonce counter from ever colliding with the other's under
	// the same AEAD key.
	accessoryToControllerInfo = "Pair-Verify-Encrypt-Info-AC"
	controllerToAccessoryInfo = "Pair-Verify-Encrypt-Info-CA"
)

// Role identifies which side of the pair-verify handshake a VerifySession
// plays, which determines which of the two derived keys is used for
// encrypting versus decrypting.
type Role int

const (
	RoleAccessory Role = iota // the AirPlay receiver itself
	RoleController
)

// Identity is the device's long-term Ed25519 keypair, provisioned once
// during pair-setup and loaded here for pair-verify signing.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh long-term keypair. Production deployments
// persist this across restarts; generating a new one on every process start
// forces every existing controller to re-pair, which is acceptable for a
// reference receiver but not for a shipping one.
func GenerateIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("cipher: generate identity: %w", err)
	}
	return Identity{Public: pub, Private: priv}, nil
}

// VerifySession carries the ephemeral Curve25519 state for one pair-verify
// exchange (§4.7a). It is single-use: create one per RTSP session's
// handshake.
type VerifySession struct {
	identity   Identity
	role       Role
	ephemPriv  [32]byte
	ephemPub   [32]byte
	peerPublic ed25519.PublicKey // the other side's long-term Ed25519 key
}

// NewVerifySession generates a fresh Curve25519 ephemeral keypair bound to
// identity, ready to send as the first pair-verify message. role determines
// which derived key this session uses to encrypt versus decrypt once
// Complete returns a Transport.
func NewVerifySession(identity Identity, role Role, peerPublicKey ed25519.PublicKey) (*VerifySession, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, fmt.Errorf("cipher: ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("cipher: ephemeral key: %w", err)
	}
	var pubArr [32]byte
	copy(pubArr[:], pub)
	return &VerifySession{
		identity:   identity,
		role:       role,
		ephemPriv:  priv,
		ephemPub:   pubArr,
		peerPublic: peerPublicKey,
	}, nil
}

// EphemeralPublic returns the bytes to send as the verify-M1 payload.
func (s *VerifySession) EphemeralPublic() [32]byte { return s.ephemPub }

// SignedResponse signs (our ephemeral pub || controller's ephemeral pub)
// with the device's long-term Ed25519 key, producing the verify-M2 payload
// signature (§4.7a).
func (s *VerifySession) SignedResponse(controllerEphemPublic [32]byte) []byte {
	transcript := append(append([]byte{}, s.ephemPub[:]...), controllerEphemPublic[:]...)
	return ed25519.Sign(s.identity.Private, transcript)
}

// Complete performs the ECDH, verifies the peer's signature over the
// transcript, and derives the two ChaCha20-Poly1305 direction keys via
// HKDF-SHA512 (§4.7a). The returned Transport is ready to frame RTSP
// traffic in both directions.
func (s *VerifySession) Complete(peerEphemPublic [32]byte, peerSignature []byte) (*Transport, error) {
	transcript := append(append([]byte{}, peerEphemPublic[:]...), s.ephemPub[:]...)
	if !ed25519.Verify(s.peerPublic, transcript, peerSignature) {
		return nil, ErrVerifyFailed
	}

	shared, err := curve25519.X25519(s.ephemPriv[:], peerEphemPublic[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: ecdh: %w", err)
	}

	acKey, err := deriveKey(shared, accessoryToControllerInfo)
	if err != nil {
		return nil, err
	}
	caKey, err := deriveKey(shared, controllerToAccessoryInfo)
	if err != nil {
		return nil, err
	}

	var writeKey, readKey []byte
	if s.role == RoleAccessory {
		writeKey, readKey = acKey, caKey
	} else {
		writeKey, readKey = caKey, acKey
	}

	writeAEAD, err := chacha20poly1305.New(writeKey)
	if err != nil {
		return nil, fmt.Errorf("cipher: aead init: %w", err)
	}
	readAEAD, err := chacha20poly1305.New(readKey)
	if err != nil {
		return nil, fmt.Errorf("cipher: aead init: %w", err)
	}
	return &Transport{writeAEAD: writeAEAD, readAEAD: readAEAD}, nil
}

func deriveKey(shared []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha512.New, shared, []byte(verifySaltInfo), []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("cipher: hkdf: %w", err)
	}
	return key, nil
}
