package sessions

import (
	"crypto/rand"
	"regexp"
	"time"
)

// Session and run IDs are 26 Crockford-base32 characters (ULID shape):
// a 10-char millisecond timestamp prefix plus a 16-char random suffix.
// The time prefix keeps IDs roughly sortable by creation order.
const idAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var idPattern = regexp.MustCompile(`^[0-9A-HJKMNP-TV-Z]{26}$`)

// NewID generates a fresh session/run identifier.
func NewID() string {
	var buf [26]byte

	ms := uint64(time.Now().UnixMilli())
	for i := 9; i >= 0; i-- {
		buf[i] = idAlphabet[ms&0x1f]
		ms >>= 5
	}

	var entropy [16]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		// crypto/rand failure is unrecoverable for ID generation
		panic("sessions: entropy source unavailable: " + err.Error())
	}
	for i, b := range entropy {
		buf[10+i] = idAlphabet[int(b)&0x1f]
	}

	return string(buf[:])
}

// ValidID reports whether s has the 26-char Crockford-base32 ID shape.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}
