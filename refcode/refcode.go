// Package refcode mints the short reference codes that correlate a purchase
// across the chain, the vendor and the ledger.
package refcode

import (
	"bytes"
	"errors"
	"regexp"

	"github.com/google/uuid"
)

// Length is the size of a generated reference code
const Length = 10

// MaxLength is the largest code that fits a bytes32 short string
const MaxLength = 31

// URL-safe alphabet. 64 symbols so a 6-bit mask maps bytes uniformly.
const alphabet = "useandom-26T198340PX75pxJACKVERYMINDBUSHWOLF_GQZbfghjklqvwyzrict"

var (
	ErrEmpty    = errors.New("refcode: empty reference code")
	ErrTooLong  = errors.New("refcode: reference code longer than 31 bytes")
	ErrInvalid  = errors.New("refcode: reference code contains invalid characters")
	codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Generate returns a new 10 character reference code
func Generate() string {
	id := uuid.New()
	// Skip the version (6) and variant (8) bytes of the v4 UUID
	random := make([]byte, 0, 14)
	random = append(random, id[:6]...)
	random = append(random, id[7])
	random = append(random, id[9:]...)

	code := make([]byte, Length)
	for i := range code {
		code[i] = alphabet[random[i]&63]
	}
	return string(code)
}

// Validate checks a client supplied code
func Validate(code string) error {
	if code == "" {
		return ErrEmpty
	}
	if len(code) > MaxLength {
		return ErrTooLong
	}
	if !codePattern.MatchString(code) {
		return ErrInvalid
	}
	return nil
}

// ToBytes32 encodes s as a right-padded bytes32 short string
func ToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	if len(s) > MaxLength {
		return out, ErrTooLong
	}
	copy(out[:], s)
	return out, nil
}

// FromBytes32 decodes a right-padded short string
func FromBytes32(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}
