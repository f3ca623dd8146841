// Package random generates access-token keys and request identifiers.
package random

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"
)

// GetUUID returns a UUIDv4 with hyphens stripped, used for request ids.
func GetUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

const keyChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
const keyNumbers = "0123456789"

// GenerateKey creates a 48-character access-token key: 16 random
// characters followed by a case-scrambled UUID.
func GenerateKey() string {
	key := make([]byte, 48)
	copy(key[:16], randomStringFromCharset(16, keyChars))
	id := GetUUID()
	for i := 0; i < 32; i++ {
		c := id[i]
		if i%2 == 0 && c >= 'a' && c <= 'z' {
			c = c - 'a' + 'A'
		}
		key[i+16] = c
	}
	return string(key)
}

func randomStringFromCharset(length int, charset string) string {
	key := make([]byte, length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(errors.Wrapf(err, "generating random string from charset %q and length %d", charset, length))
		}
		key[i] = charset[n.Int64()]
	}
	return string(key)
}

// GetRandomString returns a random alphanumeric string of the given length.
func GetRandomString(length int) string {
	return randomStringFromCharset(length, keyChars)
}

// GetRandomNumberString returns a random numeric string of the given length.
func GetRandomNumberString(length int) string {
	return randomStringFromCharset(length, keyNumbers)
}

// RandRange returns a random integer in [min, max). Panics if min > max.
func RandRange(min, max int) int {
	if min == max {
		return min
	}
	if min > max {
		panic(errors.Errorf("RandRange: min (%d) > max (%d)", min, max))
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		panic(errors.Wrapf(err, "generating random number between %d and %d", min, max))
	}
	return min + int(n.Int64())
}
