// Package shortid generates compact base58 identifiers for runs, slot
// sessions, and jobs. The codes are short enough to read aloud from a log
// line and unique enough for their scopes.
package shortid

import (
	"crypto/rand"

	"github.com/mr-tron/base58"

	"github.com/teranos/scry/errors"
)

// randomBytes is the entropy per identifier. Six bytes encode to 8-9 base58
// characters and give ~2.8e14 possibilities, plenty for run-scoped codes.
const randomBytes = 6

// New generates an identifier like "r_4FkT2Vx9" from a prefix.
func New(prefix string) (string, error) {
	buf := make([]byte, randomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "read random bytes")
	}
	if prefix == "" {
		return base58.Encode(buf), nil
	}
	return prefix + "_" + base58.Encode(buf), nil
}

// MustNew is New for callers that cannot recover from an entropy failure.
// crypto/rand only fails when the OS itself is broken.
func MustNew(prefix string) string {
	id, err := New(prefix)
	if err != nil {
		panic(err)
	}
	return id
}
