// Package devicetoken wraps an APNs device token in its canonical,
// lowercase hex-encoded form.
package devicetoken

import (
	"encoding/hex"
	"strings"

	"github.com/brineforge/apnsession/pkg/errors"
)

// Token is an opaque device address. Internally it is always the
// lowercase hex encoding of the device's raw bytes, regardless of which
// constructor produced it.
type Token struct {
	hex string
}

// FromBytes builds a Token from raw device-token bytes.
func FromBytes(b []byte) Token {
	return Token{hex: hex.EncodeToString(b)}
}

// FromHex builds a Token from a hex string, decoding it leniently (it
// tolerates uppercase and mixed-case input) and then re-encoding to the
// canonical lowercase form. This is the round-trip invariant: for any even
// length hex string h, FromHex(h).Hex() == strings.ToLower(h).
func FromHex(h string) (Token, error) {
	b, err := hex.DecodeString(h)
	if err != nil {
		return Token{}, errors.NewValidationError("invalid hex device token: " + err.Error())
	}
	return Token{hex: hex.EncodeToString(b)}, nil
}

// Hex returns the canonical lowercase hex encoding.
func (t Token) Hex() string {
	return t.hex
}

// String implements fmt.Stringer.
func (t Token) String() string {
	return t.hex
}

// IsZero reports whether the token was never populated.
func (t Token) IsZero() bool {
	return t.hex == ""
}

// path is used internally by the Request Builder; kept here since it is a
// pure function of the token's canonical form.
func (t Token) path() string {
	return "/3/device/" + strings.ToLower(t.hex)
}

// Path returns the APNs request path for this token.
func (t Token) Path() string {
	return t.path()
}
