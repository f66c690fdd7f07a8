package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const Algorithm = "ed25519"

var (
	// ErrNoSignatures indicates the payload carries no signatures map at all.
	ErrNoSignatures = errors.New("signing: payload has no signatures")
	// ErrNoMatchingSignature indicates no ed25519 signature from the expected
	// server was present.
	ErrNoMatchingSignature = errors.New("signing: no matching ed25519 signature")
	// ErrVerificationFailed indicates a signature was present but did not
	// verify against the canonical form of the payload.
	ErrVerificationFailed = errors.New("signing: signature verification failed")
)

// Signer signs JSON payloads with this server's ed25519 key, producing the
// nested signatures map peers verify against our published key.
type Signer struct {
	ServerName string
	KeyID      string
	priv       ed25519.PrivateKey
}

func NewSigner(serverName, keyID string, priv ed25519.PrivateKey) *Signer {
	return &Signer{ServerName: serverName, KeyID: keyID, priv: priv}
}

func (s *Signer) Public() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign returns a copy of payload with a signature added under
// signatures[serverName]["ed25519:<keyID>"]. The signatures and unsigned
// fields are excluded from the signed bytes.
func (s *Signer) Sign(payload map[string]any) (map[string]any, error) {
	canonical, err := CanonicalJSON(stripUnsignable(payload))
	if err != nil {
		return nil, fmt.Errorf("canonicalise payload: %w", err)
	}

	sig := ed25519.Sign(s.priv, canonical)
	encoded := base64.RawStdEncoding.EncodeToString(sig)

	signed := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		signed[k] = v
	}

	signatures := map[string]any{}
	if existing, ok := payload["signatures"].(map[string]any); ok {
		for k, v := range existing {
			signatures[k] = v
		}
	}

	serverSigs := map[string]any{}
	if existing, ok := signatures[s.ServerName].(map[string]any); ok {
		for k, v := range existing {
			serverSigs[k] = v
		}
	}
	serverSigs[Algorithm+":"+s.KeyID] = encoded
	signatures[s.ServerName] = serverSigs
	signed["signatures"] = signatures

	return signed, nil
}

// Verify checks that payload carries an ed25519 signature from serverName
// that validates against pub over the canonical form of the payload.
func Verify(payload map[string]any, serverName string, pub ed25519.PublicKey) error {
	signatures, ok := payload["signatures"].(map[string]any)
	if !ok || len(signatures) == 0 {
		return ErrNoSignatures
	}

	serverSigs, ok := signatures[serverName].(map[string]any)
	if !ok {
		return ErrNoMatchingSignature
	}

	canonical, err := CanonicalJSON(stripUnsignable(payload))
	if err != nil {
		return fmt.Errorf("canonicalise payload: %w", err)
	}

	matched := false
	for keyID, rawSig := range serverSigs {
		if !strings.HasPrefix(keyID, Algorithm+":") {
			continue
		}
		sigStr, ok := rawSig.(string)
		if !ok {
			continue
		}
		matched = true

		sig, err := decodeBase64(sigStr)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, canonical, sig) {
			return nil
		}
	}

	if !matched {
		return ErrNoMatchingSignature
	}
	return ErrVerificationFailed
}

func stripUnsignable(payload map[string]any) map[string]any {
	stripped := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		stripped[k] = v
	}
	return stripped
}

func decodeBase64(s string) ([]byte, error) {
	if decoded, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
