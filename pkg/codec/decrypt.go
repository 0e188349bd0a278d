package codec

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"errors"
	"fmt"

	"github.com/pion/rtp"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt wraps any decrypt-stage failure so callers can errors.Is
// against it regardless of the underlying cause (§7).
var ErrDecrypt = errors.New("codec: decrypt failed")

// RealtimeDecryptor reverses the realtime (ALAC) stream's AES-CBC-128
// encryption (§4.5). The key and IV are fixed for the lifetime of the
// stream, set once from the RTSP SDP's fmtp/aesiv parameters.
type RealtimeDecryptor struct {
	block stdcipher.Block
	iv    [16]byte
}

// NewRealtimeDecryptor builds a decryptor from the 16-byte AES-128 key and
// IV negotiated at SETUP.
func NewRealtimeDecryptor(key, iv []byte) (*RealtimeDecryptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: aes key: %v", ErrDecrypt, err)
	}
	d := &RealtimeDecryptor{block: block}
	copy(d.iv[:], iv)
	return d, nil
}

// Decrypt decrypts an ALAC RTP payload in place into dst. Only whole
// 16-byte blocks are AES-decrypted; ALAC packets are not block-aligned, so
// the trailing remainder (< 16 bytes) is copied through unencrypted, the
// same partial-block behavior as the reference decoder. dst must be at
// least len(payload) bytes. The IV is reset to the stream IV on every call:
// AirPlay's realtime cipher re-keys the CBC chain per packet rather than
// chaining across packets.
func (d *RealtimeDecryptor) Decrypt(dst, payload []byte) (int, error) {
	if len(dst) < len(payload) {
		return 0, fmt.Errorf("%w: destination too small", ErrDecrypt)
	}
	aeslen := len(payload) &^ 0xf // round down to a multiple of 16

	iv := d.iv // copy: CBCDecrypter mutates its iv argument
	mode := stdcipher.NewCBCDecrypter(d.block, iv[:])
	if aeslen > 0 {
		mode.CryptBlocks(dst[:aeslen], payload[:aeslen])
	}
	copy(dst[aeslen:len(payload)], payload[aeslen:])
	return len(payload), nil
}

// BufferedDecryptor reverses the buffered (AAC) stream's ChaCha20-Poly1305
// encryption (§4.5). Unlike the realtime path, each packet carries its own
// nonce tail, so no per-stream IV state is needed.
type BufferedDecryptor struct {
	aead stdcipher.AEAD
}

// NewBufferedDecryptor builds a decryptor from the 32-byte session key
// derived during SETUP.
func NewBufferedDecryptor(key []byte) (*BufferedDecryptor, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: chacha20poly1305 key: %v", ErrDecrypt, err)
	}
	return &BufferedDecryptor{aead: aead}, nil
}

// Decrypt parses packet as an RTP datagram whose payload is
// ciphertext||tag||nonce (8-byte nonce trailing the payload, front-padded
// to 12 bytes for the AEAD per the IETF ChaCha20-Poly1305 construction),
// authenticates it against the RTP timestamp+SSRC as associated data, and
// returns the plaintext AAC access unit.
func (d *BufferedDecryptor) Decrypt(packet []byte) ([]byte, error) {
	header := &rtp.Header{}
	n, err := header.Unmarshal(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: rtp header: %v", ErrDecrypt, err)
	}
	payload := packet[n:]
	if len(payload) < 8+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: packet too short", ErrDecrypt)
	}

	nonceTail := payload[len(payload)-8:]
	ciphertext := payload[:len(payload)-8]

	var nonce [12]byte
	copy(nonce[4:], nonceTail)

	aad := packet[4:n] // timestamp + SSRC (8 bytes when no CSRC/extension)

	plaintext, err := d.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}
