package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openmx/identityd/internal/signing"
)

type Medium string

const (
	MediumEmail  Medium = "email"
	MediumMsisdn Medium = "msisdn"
)

// ErrMalformedAssociation indicates a signed association payload was missing
// one of its required fields.
var ErrMalformedAssociation = errors.New("malformed association")

// requiredAssociationKeys must all be present in a signed association
// payload, even when their value is null.
var requiredAssociationKeys = []string{"medium", "address", "mxid", "ts", "not_before", "not_after"}

// ThreepidAssociation binds a third-party identifier to a Matrix user ID for
// a validity window. A nil Mxid is a tombstone: the binding existed and was
// revoked.
type ThreepidAssociation struct {
	Medium     Medium  `db:"medium"`
	Address    string  `db:"address"`
	LookupHash *string `db:"lookup_hash"`
	Mxid       *string `db:"mxid"`
	Ts         int64   `db:"ts"`
	NotBefore  int64   `db:"not_before"`
	NotAfter   int64   `db:"not_after"`

	// ExtraFields carries additive payload data (e.g. pending invites) that
	// is included in the signed form.
	ExtraFields map[string]any `db:"-"`
}

// NormaliseAddress canonicalises an address for storage and hashing. Email
// addresses are case-folded; other media are stored as-is.
func NormaliseAddress(address string, medium Medium) string {
	if medium == MediumEmail {
		return strings.ToLower(address)
	}
	return address
}

// IsTombstone reports whether this association revokes a previous binding.
func (a *ThreepidAssociation) IsTombstone() bool {
	return a.Mxid == nil
}

// Payload returns the wire-form map for this association, before signing.
// The lookup hash is deliberately absent: receivers always recompute it
// against their own pepper.
func (a *ThreepidAssociation) Payload() map[string]any {
	payload := make(map[string]any, len(a.ExtraFields)+6)
	for k, v := range a.ExtraFields {
		payload[k] = v
	}
	payload["medium"] = string(a.Medium)
	payload["address"] = a.Address
	if a.Mxid != nil {
		payload["mxid"] = *a.Mxid
	} else {
		payload["mxid"] = nil
	}
	payload["ts"] = a.Ts
	payload["not_before"] = a.NotBefore
	payload["not_after"] = a.NotAfter
	return payload
}

// SignedPayload returns the association in its signed wire form.
func (a *ThreepidAssociation) SignedPayload(signer *signing.Signer) (map[string]any, error) {
	return signer.Sign(a.Payload())
}

// AssociationFromPayload parses a signed association payload received from a
// peer. Any embedded lookup_hash is discarded; it is recomputed locally
// before storage so a peer cannot poison the hash index.
func AssociationFromPayload(payload map[string]any) (*ThreepidAssociation, error) {
	for _, key := range requiredAssociationKeys {
		if _, ok := payload[key]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedAssociation, key)
		}
	}

	medium, ok := payload["medium"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: medium is not a string", ErrMalformedAssociation)
	}
	address, ok := payload["address"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: address is not a string", ErrMalformedAssociation)
	}

	var mxid *string
	if raw := payload["mxid"]; raw != nil {
		str, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: mxid is not a string", ErrMalformedAssociation)
		}
		mxid = &str
	}

	ts, err := payloadInt64(payload["ts"])
	if err != nil {
		return nil, fmt.Errorf("%w: ts: %v", ErrMalformedAssociation, err)
	}
	notBefore, err := payloadInt64(payload["not_before"])
	if err != nil {
		return nil, fmt.Errorf("%w: not_before: %v", ErrMalformedAssociation, err)
	}
	notAfter, err := payloadInt64(payload["not_after"])
	if err != nil {
		return nil, fmt.Errorf("%w: not_after: %v", ErrMalformedAssociation, err)
	}

	extra := map[string]any{}
	for k, v := range payload {
		switch k {
		case "medium", "address", "mxid", "ts", "not_before", "not_after",
			"lookup_hash", "signatures", "unsigned":
			continue
		}
		extra[k] = v
	}

	return &ThreepidAssociation{
		Medium:      Medium(medium),
		Address:     NormaliseAddress(address, Medium(medium)),
		Mxid:        mxid,
		Ts:          ts,
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		ExtraFields: extra,
	}, nil
}

func payloadInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("not a number (%T)", v)
	}
}
