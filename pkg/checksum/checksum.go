// Package checksum provides SHA-256 checksum utilities for object integrity
// verification. The archive backends record a checksum for every batch they
// write, and the shipper verifies it against its own digest of the payload
// after each upload. Keeping this logic in a dedicated package applies
// consistent hashing behaviour across the archive layer without duplicating
// crypto/sha256 wiring throughout the codebase.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// SHA256Tee copies reader to writer while hashing, returning the checksum
// and the number of bytes written. The data is read exactly once.
func SHA256Tee(reader io.Reader, writer io.Writer) (string, int64, error) {
	hasher := sha256.New()

	written, err := io.Copy(io.MultiWriter(writer, hasher), reader)
	if err != nil {
		return "", written, fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}

// SHA256Bytes returns the SHA256 checksum of a byte slice
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == expectedChecksum, nil
}
