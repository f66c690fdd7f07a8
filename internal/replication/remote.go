package replication

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/openmx/identityd/internal/errors"
	"github.com/openmx/identityd/internal/model"
	"github.com/openmx/identityd/internal/signing"
)

const (
	// DefaultReplicationPort is the conventional replication port when a
	// peer has no explicit base URL configured.
	DefaultReplicationPort = 1001

	// PushPath is the replication push endpoint, relative to a peer's base
	// replication URL.
	PushPath = "/_matrix/identity/replicate/v1/push"
)

// RemotePeerError is a non-2xx response from a peer's push endpoint, with
// the Matrix error body when one was parseable.
type RemotePeerError struct {
	StatusCode int
	ErrCode    string
	Message    string
}

func (e *RemotePeerError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("peer rejected push: %d %s: %s", e.StatusCode, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("peer rejected push: status %d", e.StatusCode)
}

// RemotePeer pushes signed association batches to another identity server
// and verifies inbound batches claimed to originate from it.
type RemotePeer struct {
	serverName string
	verifyKey  ed25519.PublicKey
	pushURL    string
	httpClient *http.Client
}

func NewRemotePeer(peer *model.Peer, httpClient *http.Client) (*RemotePeer, error) {
	encoded, ok := peer.Pubkeys[signing.Algorithm]
	if !ok {
		return nil, fmt.Errorf("peer %s has no ed25519 verify key", peer.ServerName)
	}
	verifyKey, err := signing.DecodeVerifyKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", peer.ServerName, err)
	}

	pushURL := fmt.Sprintf("https://%s:%d%s", peer.ServerName, DefaultReplicationPort, PushPath)
	if peer.BaseReplicationURL != nil && *peer.BaseReplicationURL != "" {
		pushURL = *peer.BaseReplicationURL + PushPath
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &RemotePeer{
		serverName: peer.ServerName,
		verifyKey:  verifyKey,
		pushURL:    pushURL,
		httpClient: httpClient,
	}, nil
}

func (p *RemotePeer) Name() string {
	return p.serverName
}

// VerifySignedAssociation checks that payload carries a valid ed25519
// signature from this peer.
func (p *RemotePeer) VerifySignedAssociation(payload map[string]any) error {
	err := signing.Verify(payload, p.serverName, p.verifyKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, signing.ErrNoSignatures):
		return apperrors.NoSignatures()
	case errors.Is(err, signing.ErrNoMatchingSignature):
		return apperrors.NoMatchingSignature(p.serverName)
	default:
		return apperrors.VerificationFailed().WithCause(err)
	}
}

// PushUpdates POSTs the batch to the peer's replication endpoint. Ids are
// transmitted as stringified object keys per the wire format.
func (p *RemotePeer) PushUpdates(ctx context.Context, batch Batch) error {
	sgAssocs := make(map[string]map[string]any, len(batch))
	for id, payload := range batch {
		sgAssocs[strconv.FormatInt(id, 10)] = payload
	}

	body, err := json.Marshal(map[string]any{"sgAssocs": sgAssocs})
	if err != nil {
		return fmt.Errorf("encode push body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push to %s: %w", p.serverName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	peerErr := &RemotePeerError{StatusCode: resp.StatusCode}
	if raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16)); err == nil {
		var parsed struct {
			ErrCode string `json:"errcode"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(raw, &parsed) == nil {
			peerErr.ErrCode = parsed.ErrCode
			peerErr.Message = parsed.Error
		}
	}
	return peerErr
}
