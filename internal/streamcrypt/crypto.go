package streamcrypt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Format: magic (4 bytes) || streamID (8 random bytes) || a sequence of
// chunks, each length-prefixed (uint32 big-endian ciphertext length)
// followed by nonce-less chacha20poly1305 ciphertext whose nonce is
// streamID || chunkCounter (big-endian uint32), terminated by a final
// zero-length chunk so Close can emit a trailer that authenticates "this is
// really the end" (prevents truncation from looking like a short archive).
var magic = [4]byte{'A', 'R', 'K', '1'}

const plainChunkSize = 64 * 1024

// KeySize is the length of the symmetric key persisted in the keyfile.
const KeySize = chacha20poly1305.KeySize

// ErrBadKey is returned by a Reader when the header or first chunk fails to
// authenticate, indicating the wrong key was supplied.
var ErrBadKey = errors.New("streamcrypt: key does not match archive (authentication failed)")

type encryptWriter struct {
	w       io.Writer
	aead    cipherAEAD
	nonce   [chacha20poly1305.NonceSize]byte
	counter uint32
	buf     []byte
	n       int
	closed  bool
	wroteHdr bool
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// EncryptWriter wraps w with a streaming AEAD encryptor keyed by key
// (KeySize bytes). Close must be called to flush the trailer; failing to
// do so produces a stream that a Reader will reject as truncated.
func EncryptWriter(w io.Writer, key []byte) (io.WriteCloser, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("streamcrypt: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("streamcrypt: init aead: %w", err)
	}
	ew := &encryptWriter{w: w, aead: aead, buf: make([]byte, 0, plainChunkSize)}
	if _, err := rand.Read(ew.nonce[:8]); err != nil {
		return nil, fmt.Errorf("streamcrypt: generate stream id: %w", err)
	}
	return ew, nil
}

func (ew *encryptWriter) writeHeader() error {
	if ew.wroteHdr {
		return nil
	}
	ew.wroteHdr = true
	if _, err := ew.w.Write(magic[:]); err != nil {
		return err
	}
	if _, err := ew.w.Write(ew.nonce[:8]); err != nil {
		return err
	}
	return nil
}

func (ew *encryptWriter) Write(p []byte) (int, error) {
	if err := ew.writeHeader(); err != nil {
		return 0, err
	}
	total := 0
	for len(p) > 0 {
		n := copy(ew.buf[len(ew.buf):cap(ew.buf)], p)
		ew.buf = ew.buf[:len(ew.buf)+n]
		p = p[n:]
		total += n
		if len(ew.buf) == cap(ew.buf) {
			if err := ew.flushChunk(false); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

func (ew *encryptWriter) flushChunk(final bool) error {
	if len(ew.buf) == 0 && !final {
		return nil
	}
	binary.BigEndian.PutUint32(ew.nonce[8:], ew.counter)
	ew.counter++
	additional := []byte{0}
	if final {
		additional[0] = 1
	}
	sealed := ew.aead.Seal(nil, ew.nonce[:], ew.buf, additional)
	var lenbuf [4]byte
	binary.BigEndian.PutUint32(lenbuf[:], uint32(len(sealed)))
	if _, err := ew.w.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := ew.w.Write(sealed); err != nil {
		return err
	}
	ew.buf = ew.buf[:0]
	return nil
}

func (ew *encryptWriter) Close() error {
	if ew.closed {
		return nil
	}
	ew.closed = true
	if err := ew.writeHeader(); err != nil {
		return err
	}
	if err := ew.flushChunk(false); err != nil {
		return err
	}
	return ew.flushChunk(true)
}

type decryptReader struct {
	r       io.Reader
	aead    cipherAEAD
	nonce   [chacha20poly1305.NonceSize]byte
	counter uint32
	pending []byte
	done    bool
	gotHdr  bool
}

// DecryptReader wraps r, undoing EncryptWriter for the given key. The
// header is validated lazily on first Read so callers can construct the
// reader before any bytes are available.
func DecryptReader(r io.Reader, key []byte) (io.ReadCloser, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("streamcrypt: key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("streamcrypt: init aead: %w", err)
	}
	return &decryptReader{r: r, aead: aead}, nil
}

func (dr *decryptReader) readHeader() error {
	if dr.gotHdr {
		return nil
	}
	var hdr [4]byte
	if _, err := io.ReadFull(dr.r, hdr[:]); err != nil {
		return fmt.Errorf("streamcrypt: read header: %w", err)
	}
	if hdr != magic {
		return ErrBadKey
	}
	if _, err := io.ReadFull(dr.r, dr.nonce[:8]); err != nil {
		return fmt.Errorf("streamcrypt: read stream id: %w", err)
	}
	dr.gotHdr = true
	return nil
}

func (dr *decryptReader) nextChunk() error {
	var lenbuf [4]byte
	if _, err := io.ReadFull(dr.r, lenbuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("streamcrypt: truncated stream: missing final chunk marker: %w", io.ErrUnexpectedEOF)
		}
		return err
	}
	n := binary.BigEndian.Uint32(lenbuf[:])
	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(dr.r, ciphertext); err != nil {
		return fmt.Errorf("streamcrypt: truncated chunk: %w", err)
	}
	binary.BigEndian.PutUint32(dr.nonce[8:], dr.counter)
	dr.counter++

	for _, final := range [...]byte{0, 1} {
		plain, err := dr.aead.Open(nil, dr.nonce[:], ciphertext, []byte{final})
		if err == nil {
			dr.pending = plain
			if final == 1 {
				dr.done = true
			}
			return nil
		}
	}
	return ErrBadKey
}

func (dr *decryptReader) Read(p []byte) (int, error) {
	if err := dr.readHeader(); err != nil {
		return 0, err
	}
	for len(dr.pending) == 0 {
		if dr.done {
			return 0, io.EOF
		}
		if err := dr.nextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, dr.pending)
	dr.pending = dr.pending[n:]
	return n, nil
}

func (dr *decryptReader) Close() error { return nil }
