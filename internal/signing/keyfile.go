package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// LoadOrGenerateKey reads a signing key in the single-line
// "ed25519 <keyid> <base64 seed>" format, generating and persisting a fresh
// key when the file does not exist yet.
func LoadOrGenerateKey(path string) (keyID string, priv ed25519.PrivateKey, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateKey(path)
	}
	if err != nil {
		return "", nil, fmt.Errorf("read signing key: %w", err)
	}

	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) != 3 || fields[0] != Algorithm {
		return "", nil, fmt.Errorf("signing key %s: expected \"ed25519 <keyid> <seed>\"", path)
	}

	seed, err := decodeBase64(fields[2])
	if err != nil {
		return "", nil, fmt.Errorf("signing key %s: decode seed: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return "", nil, fmt.Errorf("signing key %s: seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}

	return fields[1], ed25519.NewKeyFromSeed(seed), nil
}

func generateKey(path string) (string, ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate signing key: %w", err)
	}

	keyID := "0"
	line := fmt.Sprintf("%s %s %s\n", Algorithm, keyID,
		base64.RawStdEncoding.EncodeToString(priv.Seed()))

	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return "", nil, fmt.Errorf("write signing key: %w", err)
	}

	log.Info().Str("path", path).Str("keyId", keyID).Msg("generated new signing key")
	return keyID, priv, nil
}

// DecodeVerifyKey accepts both unpadded base64 and the legacy hex encoding
// for peer public keys.
func DecodeVerifyKey(encoded string) (ed25519.PublicKey, error) {
	if decoded, err := hex.DecodeString(encoded); err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}

	decoded, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode verify key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verify key is %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(decoded), nil
}
