package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// ChecksumMismatchError is returned when a downloaded asset does not match
// its published checksum.
type ChecksumMismatchError struct {
	Expected string
	Computed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Computed)
}

// verifyingReader hashes everything read through it and turns the final EOF
// into a *ChecksumMismatchError when the digest differs.
type verifyingReader struct {
	rc       io.ReadCloser
	h        hash.Hash
	expected string
}

func newVerifyingReader(rc io.ReadCloser, expected string) *verifyingReader {
	return &verifyingReader{
		rc:       rc,
		h:        sha256.New(),
		expected: strings.ToLower(strings.TrimSpace(expected)),
	}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	v.h.Write(p[:n])
	if err == io.EOF {
		if computed := hex.EncodeToString(v.h.Sum(nil)); computed != v.expected {
			return n, &ChecksumMismatchError{Expected: v.expected, Computed: computed}
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.rc.Close()
}
