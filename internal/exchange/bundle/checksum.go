package bundle

import (
	"bytes"
	"crypto/md5" // #nosec:G501 The export side declares MD5 digests.
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ChecksumError reports a declared data checksum which does not match the payload.
type ChecksumError struct {
	Declared string
	Computed string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("data checksum mismatch: declared %s, computed %s", e.Declared, e.Computed)
}

// Unwrap makes a ChecksumError match ErrIntegrity.
func (e *ChecksumError) Unwrap() error {
	return ErrIntegrity
}

// Checksum returns the MD5 hex digest of the canonical form of an affiliates payload.
//
// The canonical form is the compact JSON serialization with the producer key order preserved.
func Checksum(affiliates []byte) (string, error) {
	canonical, err := canonicalize(affiliates)
	if err != nil {
		return "", err
	}
	// #nosec:G401 Integrity check against transport corruption, not a security boundary.
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum compares the declared checksum to the digest of the affiliates payload.
//
// 32 hexadecimal characters are an MD5 digest, 64 a SHA-256 one.
func VerifyChecksum(affiliates []byte, declared string) error {
	declared = strings.ToLower(strings.TrimSpace(declared))

	canonical, err := canonicalize(affiliates)
	if err != nil {
		return errors.Join(ErrIntegrity, err)
	}

	var computed string
	switch len(declared) {
	case hex.EncodedLen(md5.Size):
		// #nosec:G401 Integrity check against transport corruption, not a security boundary.
		sum := md5.Sum(canonical)
		computed = hex.EncodeToString(sum[:])
	case hex.EncodedLen(sha256.Size):
		sum := sha256.Sum256(canonical)
		computed = hex.EncodeToString(sum[:])
	default:
		return errors.Join(ErrIntegrity, fmt.Errorf("unrecognized data checksum %q", declared))
	}

	if computed != declared {
		return &ChecksumError{Declared: declared, Computed: computed}
	}
	return nil
}

func canonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("no affiliates payload to digest")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("affiliates payload is not valid JSON: %v", err)
	}
	return buf.Bytes(), nil
}
