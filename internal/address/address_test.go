package address

import (
	"errors"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

func testAddress(t *testing.T, seed byte) Address {
	t.Helper()
	var payload [PayloadLen]byte
	for i := range payload {
		payload[i] = seed + byte(i)
	}
	addr, err := Encode("penumbrav0t", payload)
	if err != nil {
		t.Fatalf("encode test address: %v", err)
	}
	return addr
}

// corrupt flips the last checksum character so the string keeps its shape
// but fails decoding.
func corrupt(s string) string {
	last := s[len(s)-1]
	repl := byte('q')
	if last == 'q' {
		repl = 'p'
	}
	return s[:len(s)-1] + string(repl)
}

func TestEncodeShape(t *testing.T) {
	addr := testAddress(t, 1)
	s := addr.String()
	if !strings.HasPrefix(s, "penumbrav0t1") {
		t.Fatalf("unexpected prefix: %q", s)
	}
	if got := len(s) - len("penumbrav0t1"); got != 126 {
		t.Fatalf("body length = %d, want 126", got)
	}
	if !shapePattern.MatchString(s) {
		t.Fatalf("encoded address does not match the structural pattern")
	}
}

func TestParseRoundTrip(t *testing.T) {
	addr := testAddress(t, 7)
	parsed, err := Parse(addr.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Payload() != addr.Payload() {
		t.Error("payload mismatch after parse")
	}
	if parsed.Prefix() != "penumbrav0t" {
		t.Errorf("Prefix = %q", parsed.Prefix())
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	addr := testAddress(t, 3)
	if _, err := Parse(corrupt(addr.String())); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestClassicBech32IsMalformed(t *testing.T) {
	payload := testAddress(t, 5).Payload()
	conv, err := bech32.ConvertBits(payload[:], 8, 5, true)
	if err != nil {
		t.Fatalf("convert bits: %v", err)
	}
	classic, err := bech32.Encode("penumbrav0t", conv)
	if err != nil {
		t.Fatalf("bech32 encode: %v", err)
	}
	if !shapePattern.MatchString(classic) {
		t.Fatal("classic encoding should still look like an address")
	}

	if _, err := Parse(classic); !errors.Is(err, ErrNotBech32m) {
		t.Fatalf("Parse error = %v, want ErrNotBech32m", err)
	}
	tokens := Extract("faucet pls " + classic)
	if len(tokens) != 1 || tokens[0].Valid() || tokens[0].Raw != classic {
		t.Fatalf("Extract = %+v, want one malformed token", tokens)
	}
}

func TestEncodeRejectsForeignPrefix(t *testing.T) {
	if _, err := Encode("cosmos", [PayloadLen]byte{}); err == nil {
		t.Fatal("expected prefix error")
	}
}

func TestExtract(t *testing.T) {
	a := testAddress(t, 1)
	b := testAddress(t, 2)
	bad := corrupt(testAddress(t, 9).String())

	tests := []struct {
		name  string
		text  string
		want  []string
		valid []bool
	}{
		{name: "no addresses", text: "gm everyone, when faucet?", want: nil},
		{name: "single", text: "send to " + a.String(), want: []string{a.String()}, valid: []bool{true}},
		{name: "two in order", text: b.String() + " and then " + a.String(),
			want: []string{b.String(), a.String()}, valid: []bool{true, true}},
		{name: "malformed kept", text: "typo " + bad, want: []string{bad}, valid: []bool{false}},
		{name: "mixed", text: a.String() + "\n" + bad + "\n" + b.String(),
			want: []string{a.String(), bad, b.String()}, valid: []bool{true, false, true}},
		{name: "too short", text: "penumbrav0t1qqqq", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tokens, want %d", len(got), len(tt.want))
			}
			for i, tok := range got {
				if tok.String() != tt.want[i] {
					t.Errorf("token %d = %q, want %q", i, tok.String(), tt.want[i])
				}
				if tok.Valid() != tt.valid[i] {
					t.Errorf("token %d valid = %v, want %v", i, tok.Valid(), tt.valid[i])
				}
			}
		})
	}
}
