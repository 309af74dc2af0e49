package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"bookflow/logger"
	"bookflow/models"
)

// PostgresStore persists the watch universe in two small tables. Exchange
// options ride along as a JSON document so descriptor fields can grow without
// schema changes.
type PostgresStore struct {
	db  *sql.DB
	log *logger.Log
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres store: %w", err)
	}

	s := &PostgresStore{db: db, log: logger.GetLogger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.WithComponent("store").Info("postgres store ready")
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS watch_tokens (
			symbol     TEXT        PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create watch_tokens table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS watch_exchanges (
			name       TEXT        PRIMARY KEY,
			url        TEXT        NOT NULL,
			kind       TEXT        NOT NULL,
			options    JSONB       NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create watch_exchanges table: %w", err)
	}

	return nil
}

func (s *PostgresStore) Tokens(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol FROM watch_tokens ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, symbol)
	}
	return tokens, rows.Err()
}

func (s *PostgresStore) AddToken(ctx context.Context, token string) error {
	token = strings.ToUpper(strings.TrimSpace(token))
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watch_tokens (symbol) VALUES ($1) ON CONFLICT (symbol) DO NOTHING`, token)
	if err != nil {
		return fmt.Errorf("failed to add token %s: %w", token, err)
	}
	return nil
}

func (s *PostgresStore) RemoveToken(ctx context.Context, token string) error {
	token = strings.ToUpper(strings.TrimSpace(token))
	res, err := s.db.ExecContext(ctx, `DELETE FROM watch_tokens WHERE symbol = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to remove token %s: %w", token, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removal of token %s: %w", token, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Exchanges(ctx context.Context) ([]models.ExchangeDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, url, kind, options FROM watch_exchanges ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	defer rows.Close()

	var out []models.ExchangeDescriptor
	for rows.Next() {
		var d models.ExchangeDescriptor
		var kind string
		var options []byte
		if err := rows.Scan(&d.Name, &d.URL, &kind, &options); err != nil {
			return nil, fmt.Errorf("failed to scan exchange row: %w", err)
		}
		d.Kind = models.TransportKind(kind)
		if len(options) > 0 {
			if err := json.Unmarshal(options, &d.Options); err != nil {
				return nil, fmt.Errorf("failed to decode options for exchange %s: %w", d.Name, err)
			}
		}
		out = append(out, d.WithDefaults())
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddExchange(ctx context.Context, d models.ExchangeDescriptor) error {
	options, err := json.Marshal(d.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options for exchange %s: %w", d.Name, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watch_exchanges (name, url, kind, options) VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET url=EXCLUDED.url, kind=EXCLUDED.kind, options=EXCLUDED.options`,
		d.Name, d.URL, string(d.Kind), options)
	if err != nil {
		return fmt.Errorf("failed to add exchange %s: %w", d.Name, err)
	}
	return nil
}

func (s *PostgresStore) RemoveExchange(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watch_exchanges WHERE lower(name) = lower($1)`, name)
	if err != nil {
		return fmt.Errorf("failed to remove exchange %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check removal of exchange %s: %w", name, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
