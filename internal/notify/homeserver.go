// Package notify delivers bind/unbind callbacks to homeservers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openmx/identityd/internal/errors"
)

const (
	onBindPath = "/_matrix/federation/v1/3pid/onbind"

	// maxAttempts caps the exponential backoff instead of retrying forever;
	// a homeserver that is down for 2^10 seconds' worth of retries is not
	// coming back for this notification.
	maxAttempts = 10

	requestTimeout = 30 * time.Second
)

// HomeserverNotifier POSTs onbind callbacks to the homeserver owning a just
// bound mxid. Transient failures retry with 2^attempt seconds of backoff;
// 4xx responses are treated as a rejection and not retried.
type HomeserverNotifier struct {
	httpClient *http.Client

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func NewHomeserverNotifier(httpClient *http.Client) *HomeserverNotifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &HomeserverNotifier{httpClient: httpClient, sleep: time.Sleep}
}

// NotifyBind tells mxid's homeserver about a new binding. Blocks through
// the retry schedule; callers run it on its own goroutine.
func (n *HomeserverNotifier) NotifyBind(ctx context.Context, mxid string, medium, address string, signedAssoc map[string]any) error {
	domain, err := domainFromMxid(mxid)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"medium":      medium,
		"address":     address,
		"mxid":        mxid,
		"third_party_binding": signedAssoc,
	})
	if err != nil {
		return fmt.Errorf("encode onbind body: %w", err)
	}

	url := fmt.Sprintf("https://%s%s", domain, onBindPath)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			n.sleep(time.Duration(1<<attempt) * time.Second)
		}

		err = n.post(ctx, url, body)
		if err == nil {
			log.Info().Str("mxid", mxid).Str("homeserver", domain).Msg("homeserver notified of bind")
			return nil
		}

		if appErr, ok := apperrors.AsAppError(err); ok && appErr.Code == apperrors.ErrCodeDestinationRejected {
			log.Warn().Str("mxid", mxid).Str("homeserver", domain).Err(err).
				Msg("homeserver rejected bind notification")
			return err
		}

		log.Warn().
			Str("homeserver", domain).
			Int("attempt", attempt+1).
			Err(err).
			Msg("bind notification failed, backing off")
	}

	return fmt.Errorf("bind notification to %s abandoned after %d attempts: %w", domain, maxAttempts, err)
}

func (n *HomeserverNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.DestinationRejected(
			fmt.Sprintf("homeserver returned %d for onbind", resp.StatusCode))
	default:
		return fmt.Errorf("homeserver returned %d", resp.StatusCode)
	}
}

func domainFromMxid(mxid string) (string, error) {
	_, domain, found := strings.Cut(mxid, ":")
	if !found || !strings.HasPrefix(mxid, "@") || domain == "" {
		return "", apperrors.InvalidParam("mxid", "not a valid Matrix user id")
	}
	return domain, nil
}
