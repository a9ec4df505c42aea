package vault

import (
	"fmt"
	"io"
	"os"
)

// EncryptFile streams src through a Writer into dst, creating or truncating
// dst. It returns only after dst has been synced to storage and closed.
// The returned count is the number of plaintext bytes read.
func EncryptFile(src, dst string, key []byte) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}

	n, err := encryptTo(out, in, key)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, fmt.Errorf("sync %s: %w", dst, err)
	}
	return n, out.Close()
}

func encryptTo(dst io.Writer, src io.Reader, key []byte) (int64, error) {
	w, err := NewWriter(dst, key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, src)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

// DecryptFile reverses EncryptFile. dst is only left in place when the whole
// stream authenticated.
func DecryptFile(src, dst string, key []byte) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	r, err := NewReader(in, key)
	if err != nil {
		return 0, err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return n, err
	}
	return n, nil
}
