package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/crypto/pbkdf2"
)

const (
	DefaultIterations = 100_000
	saltLen           = 16
	keyLen            = 32

	FormatPBKDF2       = "pbkdf2-sha256"
	FormatSaltedSHA256 = "salted-sha256"
	FormatPlainSHA256  = "plain-sha256"
)

// strategy verifies one stored hash layout. Strategies are tried in
// order and the first whose layout matches decides the outcome.
type strategy struct {
	name   string
	match  func(encoded string) bool
	verify func(pw, encoded string) bool
}

type Hasher struct {
	iterations int
	strategies []strategy
}

func NewHasher(iterations int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	h := &Hasher{iterations: iterations}
	h.strategies = []strategy{
		{name: FormatPBKDF2, match: hasSep('$'), verify: h.verifyPBKDF2},
		{name: FormatSaltedSHA256, match: hasSep(':'), verify: verifySaltedSHA256},
		{name: FormatPlainSHA256, match: isHexDigest, verify: verifyPlainSHA256},
	}
	return h
}

// Hash always produces the current format: salt$digest, where the salt is
// 16 random bytes hex encoded and fed to PBKDF2 as its text form.
func (h *Hasher) Hash(pw string) (string, error) {
	buf := make([]byte, saltLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	salt := hex.EncodeToString(buf)
	return salt + "$" + h.digest(pw, salt), nil
}

func (h *Hasher) Verify(pw, encoded string) bool {
	for _, s := range h.strategies {
		if s.match(encoded) {
			return s.verify(pw, encoded)
		}
	}
	return false
}

// Format names the layout of a stored hash, or "" when none applies.
func (h *Hasher) Format(encoded string) string {
	for _, s := range h.strategies {
		if s.match(encoded) {
			return s.name
		}
	}
	return ""
}

func (h *Hasher) NeedsRehash(encoded string) bool {
	return h.Format(encoded) != FormatPBKDF2
}

func (h *Hasher) digest(pw, salt string) string {
	return hex.EncodeToString(pbkdf2.Key([]byte(pw), []byte(salt), h.iterations, keyLen, sha256.New))
}

func (h *Hasher) verifyPBKDF2(pw, encoded string) bool {
	salt, digest, ok := strings.Cut(encoded, "$")
	if !ok || salt == "" || !isHexDigest(digest) {
		return false
	}
	return constantTimeEqual(h.digest(pw, salt), digest)
}

func verifySaltedSHA256(pw, encoded string) bool {
	salt, digest, ok := strings.Cut(encoded, ":")
	if !ok || salt == "" || !isHexDigest(digest) {
		return false
	}
	sum := sha256.Sum256([]byte(pw + salt))
	return constantTimeEqual(hex.EncodeToString(sum[:]), digest)
}

func verifyPlainSHA256(pw, encoded string) bool {
	sum := sha256.Sum256([]byte(pw))
	return constantTimeEqual(hex.EncodeToString(sum[:]), encoded)
}

func hasSep(sep byte) func(string) bool {
	return func(encoded string) bool { return strings.IndexByte(encoded, sep) >= 0 }
}

func isHexDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

type Policy struct {
	MinLength    int
	RequireMixed bool
}

func ValidateStrength(pw string, p Policy) (bool, string) {
	if len([]rune(pw)) < p.MinLength {
		return false, "password must be at least " + strconv.Itoa(p.MinLength) + " characters"
	}
	var letter, upper, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			letter, upper = true, true
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter {
		return false, "password must contain at least one letter"
	}
	if p.RequireMixed {
		if !upper {
			return false, "password must contain at least one uppercase letter"
		}
		if !digit {
			return false, "password must contain at least one digit"
		}
	}
	return true, ""
}
