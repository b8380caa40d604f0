package keycode

import (
	"crypto/rand"
	"io"
	"math/big"

	"github.com/bwmarrin/snowflake"
)

type Random struct {
	policy Policy
	reader io.Reader
}

func NewRandom(policy Policy) *Random {
	return &Random{policy: policy, reader: rand.Reader}
}

func (r *Random) Policy() Policy { return r.policy }

func (r *Random) Generate(_ snowflake.ID, _ int, avoid string) (string, error) {
	size := big.NewInt(int64(len(r.policy.Alphabet)))
	buf := make([]byte, r.policy.Length)
	for draw := 0; draw < maxDraws; draw++ {
		for i := range buf {
			n, err := rand.Int(r.reader, size)
			if err != nil {
				return "", err
			}
			buf[i] = r.policy.Alphabet[n.Int64()]
		}
		code := string(buf)
		if code == avoid {
			continue
		}
		if r.policy.Validate(code) == nil {
			return code, nil
		}
	}
	return "", ErrExhausted
}
