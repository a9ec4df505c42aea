package vault

import (
	"crypto/sha256"
	"io"
	"strings"

	"github.com/celerix-dev/celerix-ledger/internal/errs"
	"golang.org/x/crypto/hkdf"
)

const fileKeyInfo = "celerix-ledger/file-key/v1|"

// DeriveFileKey derives the AES-256 key for one backup file. The key is never
// stored: the same identity, bucket and file name always produce it again.
func DeriveFileKey(identity, bucketID, fileName string) ([]byte, error) {
	switch {
	case strings.TrimSpace(identity) == "":
		return nil, errs.New(errs.KindInvalidKeyInput, "derive file key: empty identity", nil)
	case strings.TrimSpace(bucketID) == "":
		return nil, errs.New(errs.KindInvalidKeyInput, "derive file key: empty bucket id", nil)
	case strings.TrimSpace(fileName) == "":
		return nil, errs.New(errs.KindInvalidKeyInput, "derive file key: empty file name", nil)
	}

	kdf := hkdf.New(sha256.New, []byte(identity), []byte(bucketID), []byte(fileKeyInfo+fileName))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errs.New(errs.KindInvalidKeyInput, "derive file key", err)
	}
	return key, nil
}
