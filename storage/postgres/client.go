package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fitmetrics/authserver/storage"
)

const clientColumns = `client_id, client_secret_hash, client_type, redirect_uris,
	token_endpoint_auth_method, grant_types, response_types, client_name,
	client_uri, scopes, created_at, updated_at`

func scanClient(row pgx.Row) (*storage.Client, error) {
	var c storage.Client
	if err := row.Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.ClientType,
		&c.RedirectURIs,
		&c.TokenEndpointAuthMethod,
		&c.GrantTypes,
		&c.ResponseTypes,
		&c.ClientName,
		&c.ClientURI,
		&c.Scopes,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func clientArgs(c *storage.Client) []any {
	return []any{
		c.ClientID,
		c.ClientSecretHash,
		c.ClientType,
		nonNil(c.RedirectURIs),
		c.TokenEndpointAuthMethod,
		nonNil(c.GrantTypes),
		nonNil(c.ResponseTypes),
		c.ClientName,
		c.ClientURI,
		nonNil(c.Scopes),
		c.CreatedAt,
		c.UpdatedAt,
	}
}

// SaveClient stores a newly registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_clients (`+clientColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		clientArgs(client)...)
	if pgErrorCode(err) == uniqueViolation {
		return storage.ErrClientExists
	}
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// UpdateClient replaces an existing client record.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "update_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_clients SET
			client_secret_hash = $2, client_type = $3, redirect_uris = $4,
			token_endpoint_auth_method = $5, grant_types = $6, response_types = $7,
			client_name = $8, client_uri = $9, scopes = $10,
			created_at = $11, updated_at = $12
		 WHERE client_id = $1`,
		clientArgs(client)...)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	client, err := scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM oauth_clients WHERE client_id = $1`, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		client = nil
	}
	return storage.CompareClientSecret(client, clientSecret)
}

// ListClients lists all registered clients ordered by client ID.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "list_clients")
	defer func() { done(err) }()

	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM oauth_clients ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}
