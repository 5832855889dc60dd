// Package passwordhash defines the password hashing boundary the
// Normalizer calls through: spec.md treats password-hash primitives as
// assumed-external, so the concrete algorithm lives behind an interface
// rather than inside the normalization engine itself.
package passwordhash

import "golang.org/x/crypto/bcrypt"

// Hasher hashes and verifies plaintext passwords. The Normalizer never
// sees a plaintext password outside a call to Hash.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

// Bcrypt is the default Hasher, backed by golang.org/x/crypto/bcrypt.
type Bcrypt struct {
	Cost int
}

// NewBcrypt builds a Bcrypt hasher using bcrypt.DefaultCost.
func NewBcrypt() *Bcrypt {
	return &Bcrypt{Cost: bcrypt.DefaultCost}
}

func (b *Bcrypt) Hash(plaintext string) (string, error) {
	cost := b.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	out, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (b *Bcrypt) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
