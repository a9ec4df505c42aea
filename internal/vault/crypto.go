// Package vault provides the encryption primitives used for offsite backups:
// per-file key derivation and a chunked AES-GCM stream format.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Stream layout:
//
//	magic (4) | nonce prefix (7) | frame*
//	frame = uint32 big-endian ciphertext length | AES-GCM ciphertext
//
// Every frame seals up to ChunkSize bytes of plaintext. The 12-byte nonce is
// prefix | uint32 frame counter | last-frame flag, so frames cannot be
// reordered, dropped or truncated without failing authentication.
const (
	magic      = "CLG1"
	prefixSize = 7
	headerSize = len(magic) + prefixSize

	// ChunkSize is the plaintext size of every frame except the last.
	ChunkSize = 64 * 1024

	// KeySize is the AES-256 key length required by NewWriter and NewReader.
	KeySize = 32
)

var (
	ErrBadHeader   = errors.New("vault: not an encrypted stream")
	ErrTruncated   = errors.New("vault: stream truncated")
	ErrTrailing    = errors.New("vault: unexpected data after final frame")
	ErrAuth        = errors.New("vault: decryption failed (wrong key or tampered data)")
	ErrFrameSize   = errors.New("vault: frame too large")
	ErrTooManyData = errors.New("vault: stream exceeds frame counter")
	errClosed      = errors.New("vault: write to closed stream")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// GCM is a standard mode that provides authenticated encryption
	return cipher.NewGCM(block)
}

func frameNonce(prefix []byte, counter uint32, last bool) []byte {
	nonce := make([]byte, 12)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[prefixSize:], counter)
	if last {
		nonce[11] = 1
	}
	return nonce
}

// Writer encrypts everything written to it into dst. Close must be called to
// emit the final frame; it does not close dst.
type Writer struct {
	dst     io.Writer
	aead    cipher.AEAD
	prefix  []byte
	buf     []byte
	counter uint32
	closed  bool
	err     error
}

// NewWriter writes the stream header to dst and returns a Writer sealing with key.
func NewWriter(dst io.Writer, key []byte) (*Writer, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, headerSize)
	copy(header, magic)
	if _, err := io.ReadFull(rand.Reader, header[len(magic):]); err != nil {
		return nil, err
	}
	if _, err := dst.Write(header); err != nil {
		return nil, err
	}

	return &Writer{
		dst:    dst,
		aead:   aead,
		prefix: header[len(magic):],
		buf:    make([]byte, 0, ChunkSize),
	}, nil
}

// Write buffers p and seals every complete chunk. The last chunk is held
// back until Close so it can carry the final flag.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	total := len(p)
	for len(p) > 0 {
		if len(w.buf) == ChunkSize {
			if err := w.seal(false); err != nil {
				return total - len(p), err
			}
		}
		n := copy(w.buf[len(w.buf):ChunkSize], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
	}
	return total, nil
}

// Close seals the remaining buffer as the final frame.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.seal(true)
}

func (w *Writer) seal(last bool) error {
	if w.counter == ^uint32(0) {
		w.err = ErrTooManyData
		return w.err
	}
	sealed := w.aead.Seal(nil, frameNonce(w.prefix, w.counter, last), w.buf, nil)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(sealed)))
	if _, err := w.dst.Write(length[:]); err != nil {
		w.err = err
		return err
	}
	if _, err := w.dst.Write(sealed); err != nil {
		w.err = err
		return err
	}

	w.counter++
	w.buf = w.buf[:0]
	return nil
}

// Reader decrypts a stream produced by Writer.
type Reader struct {
	src     io.Reader
	aead    cipher.AEAD
	prefix  []byte
	counter uint32
	plain   []byte
	done    bool
	err     error
}

// NewReader reads and checks the stream header from src.
func NewReader(src io.Reader, key []byte) (*Reader, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, ErrBadHeader
	}
	if string(header[:len(magic)]) != magic {
		return nil, ErrBadHeader
	}

	return &Reader{
		src:    src,
		aead:   aead,
		prefix: header[len(magic):],
	}, nil
}

func (r *Reader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			r.err = r.checkTrailing()
			continue
		}
		r.err = r.open()
	}

	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *Reader) open() error {
	var length [4]byte
	if _, err := io.ReadFull(r.src, length[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	size := binary.BigEndian.Uint32(length[:])
	if size > ChunkSize+uint32(r.aead.Overhead()) {
		return ErrFrameSize
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(r.src, sealed); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}

	plain, err := r.aead.Open(nil, frameNonce(r.prefix, r.counter, false), sealed, nil)
	if err != nil {
		plain, err = r.aead.Open(nil, frameNonce(r.prefix, r.counter, true), sealed, nil)
		if err != nil {
			return ErrAuth
		}
		r.done = true
	}
	r.counter++
	r.plain = plain
	return nil
}

func (r *Reader) checkTrailing() error {
	var b [1]byte
	n, err := r.src.Read(b[:])
	if n > 0 {
		return ErrTrailing
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}
