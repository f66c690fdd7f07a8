package util

import (
	"crypto/rand"
	"math/big"
)

const (
	alphanumericChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	numericChars      = "0123456789"
)

// GenerateAlphanumericToken returns a random token of length n drawn from
// [A-Za-z0-9], used for email validation links.
func GenerateAlphanumericToken(n int) (string, error) {
	return randomString(alphanumericChars, n)
}

// GenerateNumericToken returns a random n-digit code, used for SMS
// validation where the user types the token by hand.
func GenerateNumericToken(n int) (string, error) {
	return randomString(numericChars, n)
}

// GenerateSessionID returns a random non-negative 31-bit integer. Session
// ids are random rather than sequential so they cannot be guessed and do
// not leak how many sessions exist.
func GenerateSessionID() (int64, error) {
	max := big.NewInt(1 << 31)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

func randomString(charset string, n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}
