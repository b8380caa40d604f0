// Package keycode produces the universal keypad code shared by every lock of
// a booking.
package keycode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/staykey/internal/config"
)

var (
	ErrInvalidLength   = errors.New("keycode_invalid_length")
	ErrInvalidDigit    = errors.New("keycode_invalid_digit")
	ErrForbiddenPrefix = errors.New("keycode_forbidden_prefix")
	ErrTrivialCode     = errors.New("keycode_trivial")
	ErrExhausted       = errors.New("keycode_exhausted")
	ErrInvalidPolicy   = errors.New("keycode_invalid_policy")
)

const maxDraws = 64

// Generator draws codes. avoid, when set, is never returned; regeneration
// passes the previous code.
type Generator interface {
	Generate(bookingID snowflake.ID, generation int, avoid string) (string, error)
	Policy() Policy
}

// Policy describes what the vendor keypads accept.
type Policy struct {
	Length            int
	Alphabet          string
	ForbiddenPrefixes []string
}

func DefaultPolicy() Policy {
	return Policy{Length: 6, Alphabet: "123456789", ForbiddenPrefixes: []string{"12"}}
}

func PolicyFromConfig(cfg config.KeyCodeConfig) Policy {
	p := DefaultPolicy()
	if cfg.Length > 0 {
		p.Length = cfg.Length
	}
	if alphabet := strings.TrimSpace(cfg.Alphabet); alphabet != "" {
		p.Alphabet = alphabet
	}
	if cfg.ForbiddenPrefixes != nil {
		p.ForbiddenPrefixes = cfg.ForbiddenPrefixes
	}
	return p
}

func (p Policy) check() error {
	if p.Length < 4 || p.Length > 12 {
		return fmt.Errorf("%w: length %d", ErrInvalidPolicy, p.Length)
	}
	if len(p.Alphabet) < 3 {
		return fmt.Errorf("%w: alphabet %q", ErrInvalidPolicy, p.Alphabet)
	}
	for _, r := range p.Alphabet {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: alphabet %q", ErrInvalidPolicy, p.Alphabet)
		}
	}
	return nil
}

// Validate reports why code is unusable, or nil.
func (p Policy) Validate(code string) error {
	if len(code) != p.Length {
		return fmt.Errorf("%w: want %d digits", ErrInvalidLength, p.Length)
	}
	for _, r := range code {
		if !strings.ContainsRune(p.Alphabet, r) {
			return ErrInvalidDigit
		}
	}
	for _, prefix := range p.ForbiddenPrefixes {
		if prefix != "" && strings.HasPrefix(code, prefix) {
			return ErrForbiddenPrefix
		}
	}
	if isTrivial(code) {
		return ErrTrivialCode
	}
	return nil
}

// isTrivial rejects repeated digits and straight runs such as 345678.
func isTrivial(code string) bool {
	if len(code) < 2 {
		return true
	}
	same, up, down := true, true, true
	for i := 1; i < len(code); i++ {
		d := int(code[i]) - int(code[i-1])
		same = same && d == 0
		up = up && d == 1
		down = down && d == -1
	}
	return same || up || down
}

// New builds the generator selected by KEYCODE_STRATEGY.
func New(cfg config.Config) (Generator, error) {
	policy := PolicyFromConfig(cfg.KeyCode)
	if err := policy.check(); err != nil {
		return nil, err
	}
	switch cfg.KeyCode.Strategy {
	case config.KeyCodeStrategyDeterministic:
		return NewDeterministic(policy, cfg.KeyCode.Secret)
	case config.KeyCodeStrategyRandom, "":
		return NewRandom(policy), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, cfg.KeyCode.Strategy)
	}
}
