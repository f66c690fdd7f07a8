// Package sender abstracts out-of-band delivery of validation tokens.
// Actual SMTP/SMS mechanics live outside the core; the core only decides
// when to send and with which token.
package sender

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/openmx/identityd/internal/model"
)

// Sender delivers a validation token to an address over the medium's
// out-of-band channel.
type Sender interface {
	SendValidationMessage(ctx context.Context, medium model.Medium, address, token, nextLink string) error
}

// LogSender writes tokens to the log instead of delivering them. It is the
// default when no delivery backend is configured, and what tests wire in.
type LogSender struct{}

func (LogSender) SendValidationMessage(ctx context.Context, medium model.Medium, address, token, nextLink string) error {
	log.Info().
		Str("medium", string(medium)).
		Str("address", address).
		Str("token", token).
		Msg("validation message (no delivery backend configured)")
	return nil
}
