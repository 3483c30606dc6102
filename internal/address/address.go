// Package address finds Penumbra account addresses in free-form chat text.
//
// Matching happens in two stages: a structural pattern picks out
// address-shaped substrings, then each candidate is decoded (bech32m
// checksum, payload length). Candidates that fail decoding are kept as
// malformed tokens so users can be told about the typo.
package address

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// PayloadLen is the size of a decoded address payload:
// diversifier (11) + transmission key (32) + clue key (32).
const PayloadLen = 75

var (
	// shapePattern is the structural pattern for address-shaped tokens.
	shapePattern = regexp.MustCompile(`penumbrav\dt1[qpzry9x8gf2tvdw0s3jn54khce6mua7l]{126}`)
	hrpPattern   = regexp.MustCompile(`^penumbrav\dt$`)
)

// ErrInvalidPrefix is returned when the human-readable part is not a Penumbra address prefix.
var ErrInvalidPrefix = errors.New("address: invalid prefix")

// ErrNotBech32m is returned for strings carrying a classic bech32 checksum.
var ErrNotBech32m = errors.New("address: checksum is not bech32m")

// Address is a decoded, checksum-verified account address.
type Address struct {
	hrp     string
	payload [PayloadLen]byte
	encoded string
}

// Parse decodes a single address string.
func Parse(s string) (Address, error) {
	hrp, data, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return Address{}, fmt.Errorf("address: decode: %w", err)
	}
	if !hrpPattern.MatchString(hrp) {
		return Address{}, fmt.Errorf("%w %q", ErrInvalidPrefix, hrp)
	}
	// DecodeNoLimit accepts both checksum variants; only bech32m is an address.
	canonical, err := bech32.EncodeM(hrp, data)
	if err != nil || canonical != strings.ToLower(s) {
		return Address{}, ErrNotBech32m
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("address: convert bits: %w", err)
	}
	if len(raw) != PayloadLen {
		return Address{}, fmt.Errorf("address: payload is %d bytes, want %d", len(raw), PayloadLen)
	}

	addr := Address{hrp: hrp, encoded: strings.ToLower(s)}
	copy(addr.payload[:], raw)
	return addr, nil
}

// Encode builds the canonical bech32m string for a payload under the given prefix.
func Encode(hrp string, payload [PayloadLen]byte) (Address, error) {
	if !hrpPattern.MatchString(hrp) {
		return Address{}, fmt.Errorf("%w %q", ErrInvalidPrefix, hrp)
	}
	conv, err := bech32.ConvertBits(payload[:], 8, 5, true)
	if err != nil {
		return Address{}, fmt.Errorf("address: convert bits: %w", err)
	}
	encoded, err := bech32.EncodeM(hrp, conv)
	if err != nil {
		return Address{}, fmt.Errorf("address: encode: %w", err)
	}
	return Address{hrp: hrp, payload: payload, encoded: encoded}, nil
}

// String returns the bech32m form of the address.
func (a Address) String() string { return a.encoded }

// Prefix returns the human-readable part, e.g. "penumbrav0t".
func (a Address) Prefix() string { return a.hrp }

// Payload returns a copy of the decoded payload bytes.
func (a Address) Payload() [PayloadLen]byte { return a.payload }

// Token is one address-shaped match. Raw always holds the matched text; a nil
// Address means the match looked like an address but failed to decode.
type Token struct {
	Address *Address
	Raw     string
}

// Valid reports whether the token decoded to a real address.
func (t Token) Valid() bool { return t.Address != nil }

// String returns the address text, or the raw match for malformed tokens.
func (t Token) String() string {
	if t.Address != nil {
		return t.Address.String()
	}
	return t.Raw
}

// Extract scans text for address-shaped substrings in order of appearance.
// The result is empty when nothing in text looks like an address.
func Extract(text string) []Token {
	matches := shapePattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	tokens := make([]Token, 0, len(matches))
	for _, m := range matches {
		addr, err := Parse(m)
		if err != nil {
			tokens = append(tokens, Token{Raw: m})
			continue
		}
		tokens = append(tokens, Token{Address: &addr, Raw: m})
	}
	return tokens
}
