package keycode

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/zeebo/blake3"
)

// Deterministic derives codes from a keyed BLAKE3 XOF over the booking id
// and generation, so the same inputs always yield the same code.
type Deterministic struct {
	policy Policy
	key    [32]byte
}

func NewDeterministic(policy Policy, secret string) (*Deterministic, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: KEYCODE_SECRET is required for deterministic codes", ErrInvalidPolicy)
	}
	return &Deterministic{policy: policy, key: blake3.Sum256([]byte(secret))}, nil
}

func (d *Deterministic) Policy() Policy { return d.policy }

func (d *Deterministic) Generate(bookingID snowflake.ID, generation int, avoid string) (string, error) {
	for attempt := 0; attempt < maxDraws; attempt++ {
		code, err := d.draw(bookingID, generation, attempt)
		if err != nil {
			return "", err
		}
		if code == avoid {
			continue
		}
		if d.policy.Validate(code) == nil {
			return code, nil
		}
	}
	return "", ErrExhausted
}

func (d *Deterministic) draw(bookingID snowflake.ID, generation, attempt int) (string, error) {
	hasher, err := blake3.NewKeyed(d.key[:])
	if err != nil {
		return "", err
	}
	fmt.Fprintf(hasher, "%s:%d:%d", bookingID.String(), generation, attempt)
	return pick(hasher.Digest(), d.policy.Alphabet, d.policy.Length)
}

// pick maps uniform bytes onto alphabet without modulo bias.
func pick(r io.Reader, alphabet string, length int) (string, error) {
	n := len(alphabet)
	if n == 0 || n > 256 {
		return "", errors.New("keycode: alphabet size out of range")
	}
	limit := 256 - 256%n
	out := make([]byte, 0, length)
	var b [1]byte
	for len(out) < length {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return "", err
		}
		if int(b[0]) >= limit {
			continue
		}
		out = append(out, alphabet[int(b[0])%n])
	}
	return string(out), nil
}
