package orchestrator

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/xkilldash9x/panelbot/internal/config"
)

// UsernameGenerator produces the username submitted for a new account.
type UsernameGenerator interface {
	Generate() (string, error)
}

// UsernameFunc adapts a function to a UsernameGenerator.
type UsernameFunc func() (string, error)

func (f UsernameFunc) Generate() (string, error) { return f() }

// RandomUsernames builds names as a configured prefix followed by random
// decimal digits. Collisions are not retried; the panel rejects them on
// submit.
type RandomUsernames struct {
	prefixes []string
	digits   int
	source   io.Reader
}

func NewUsernameGenerator(cfg config.ProvisioningConfig) *RandomUsernames {
	prefixes := cfg.UsernamePrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"tv"}
	}
	digits := cfg.UsernameDigits
	if digits <= 0 {
		digits = 4
	}
	return &RandomUsernames{prefixes: prefixes, digits: digits, source: rand.Reader}
}

func (g *RandomUsernames) Generate() (string, error) {
	i, err := rand.Int(g.source, big.NewInt(int64(len(g.prefixes))))
	if err != nil {
		return "", fmt.Errorf("picking username prefix: %w", err)
	}
	var b strings.Builder
	b.WriteString(g.prefixes[i.Int64()])
	ten := big.NewInt(10)
	for range g.digits {
		d, err := rand.Int(g.source, ten)
		if err != nil {
			return "", fmt.Errorf("generating username digits: %w", err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
