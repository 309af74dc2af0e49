package reader

import (
	"context"

	"bookflow/models"
)

// Adapter is the venue-facing side of the pipeline. Implementations own their
// transport (a websocket session or an HTTP poller), keep a local cache of the
// current price levels per token, and normalize every venue payload into
// models.PriceLevelSet.
//
// Connect performs a single connection attempt and returns a channel that
// receives at most one error when the transport dies. Reconnecting is the
// supervisor's job, so adapters must not retry internally. A fresh channel is
// returned on every call.
type Adapter interface {
	Name() string
	Kind() models.TransportKind

	Connect(ctx context.Context) (<-chan error, error)
	Disconnect()
	Ping(ctx context.Context) error

	AddToken(ctx context.Context, token string) error
	RemoveToken(ctx context.Context, token string) error
	Tokens() []string

	CurrentLevels(token string) (models.PriceLevelSet, bool)
}
