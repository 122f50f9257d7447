package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/xerrors"
)

// SecretEqual compares two secrets in constant time
func SecretEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of the input data and returns it as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256Base64 is the std-base64 digest S3 expects in ChecksumSHA256
func SHA256Base64(data []byte) string {
	h := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(h[:])
}

// Fingerprint identifies a secret in logs without revealing it: the first 12 hex chars of its SHA-256.
// The empty secret has the empty fingerprint.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	return SHA256Hex([]byte(secret))[:12]
}

// RandomHex returns n random bytes hex encoded (2n chars)
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", xerrors.Wrap(err, "read random bytes")
	}
	return hex.EncodeToString(b), nil
}
