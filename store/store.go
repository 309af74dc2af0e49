package store

import (
	"context"
	"errors"
	"fmt"

	"bookflow/models"
)

// ErrNotFound is returned when a token or exchange is not present in the store.
var ErrNotFound = errors.New("not found")

// Store persists the watch universe so token and exchange changes made through
// the admin API survive restarts.
type Store interface {
	Tokens(ctx context.Context) ([]string, error)
	AddToken(ctx context.Context, token string) error
	RemoveToken(ctx context.Context, token string) error

	Exchanges(ctx context.Context) ([]models.ExchangeDescriptor, error)
	AddExchange(ctx context.Context, d models.ExchangeDescriptor) error
	RemoveExchange(ctx context.Context, name string) error

	Close() error
}

// Open creates a store for the configured driver. An empty driver selects the
// in-memory store.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "postgres":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("store driver '%s' is not supported", driver)
	}
}

// Seed fills an empty store with the given universe. A store that already
// holds tokens or exchanges is left untouched.
func Seed(ctx context.Context, s Store, tokens []string, exchanges []models.ExchangeDescriptor) error {
	existingTokens, err := s.Tokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}
	if len(existingTokens) == 0 {
		for _, t := range tokens {
			if err := s.AddToken(ctx, t); err != nil {
				return fmt.Errorf("failed to seed token %s: %w", t, err)
			}
		}
	}

	existingExchanges, err := s.Exchanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list exchanges: %w", err)
	}
	if len(existingExchanges) == 0 {
		for _, d := range exchanges {
			if err := s.AddExchange(ctx, d); err != nil {
				return fmt.Errorf("failed to seed exchange %s: %w", d.Name, err)
			}
		}
	}

	return nil
}
