package cipher

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxFrame is the largest plaintext chunk the framer will encrypt into one
// datagram, matching the real AirPlay2 control-channel cipher's record size.
const maxFrame = 1024

// Transport frames and encrypts/decrypts RTSP traffic once pair-verify
// completes (§4.7a): 2-byte little-endian plaintext length, ciphertext,
// 16-byte Poly1305 tag, nonce = 8-byte zero-extended little-endian frame
// counter. Read and write directions each keep an independent counter since
// they are driven by independent goroutines.
type Transport struct {
	writeAEAD cipherAEAD
	readAEAD  cipherAEAD

	writeMu  sync.Mutex
	writeCtr uint64

	readMu  sync.Mutex
	readCtr uint64
}

// cipherAEAD is the subset of cipher.AEAD Transport needs; it exists so
// tests can substitute a deterministic fake without importing crypto/cipher
// directly into this package's public surface.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[:8], counter)
	return nonce
}

// FrameLimit returns the largest plaintext chunk EncryptFrame will accept,
// for callers that need to split a larger write into frames.
func FrameLimit() int { return maxFrame }

// EncryptFrame seals one plaintext chunk (<= maxFrame bytes) and returns the
// wire frame: length prefix, ciphertext, tag.
func (t *Transport) EncryptFrame(plaintext []byte) ([]byte, error) {
	if len(plaintext) > maxFrame {
		return nil, fmt.Errorf("cipher: frame of %d bytes exceeds max %d", len(plaintext), maxFrame)
	}
	t.writeMu.Lock()
	nonce := nonceFor(t.writeCtr)
	t.writeCtr++
	t.writeMu.Unlock()

	sealed := t.writeAEAD.Seal(nil, nonce, plaintext, nil)

	frame := make([]byte, 2+len(sealed))
	binary.LittleEndian.PutUint16(frame[:2], uint16(len(plaintext)))
	copy(frame[2:], sealed)
	return frame, nil
}

// DecryptFrame reads one wire frame from r and returns the decrypted
// plaintext.
func (t *Transport) DecryptFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	plainLen := binary.LittleEndian.Uint16(lenBuf[:])

	sealed := make([]byte, int(plainLen)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(r, sealed); err != nil {
		return nil, fmt.Errorf("cipher: short frame: %w", err)
	}

	t.readMu.Lock()
	nonce := nonceFor(t.readCtr)
	t.readCtr++
	t.readMu.Unlock()

	plaintext, err := t.readAEAD.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: decrypt: %w", err)
	}
	return plaintext, nil
}
