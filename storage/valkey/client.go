package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fitmetrics/authserver/storage"
)

type clientJSON struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"`
	ClientType              string    `json:"client_type"`
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	ClientName              string    `json:"client_name,omitempty"`
	ClientURI               string    `json:"client_uri,omitempty"`
	Scopes                  []string  `json:"scopes,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	j := clientJSON(*c)
	return &j
}

func fromClientJSON(j *clientJSON) *storage.Client {
	c := storage.Client(*j)
	return &c
}

func (s *Store) setClient(ctx context.Context, client *storage.Client, create bool) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	set := s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data))
	var cmdErr error
	if create {
		cmdErr = s.client.Do(ctx, set.Nx().Build()).Error()
	} else {
		cmdErr = s.client.Do(ctx, set.Xx().Build()).Error()
	}
	if isNil(cmdErr) {
		if create {
			return storage.ErrClientExists
		}
		return storage.ErrClientNotFound
	}
	if cmdErr != nil {
		return fmt.Errorf("failed to save client: %w", cmdErr)
	}
	return nil
}

// SaveClient stores a newly registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "save_client")
	defer func() { done(err) }()

	if err := s.setClient(ctx, client, true); err != nil {
		return err
	}
	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// UpdateClient replaces an existing client record.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.observer.Start(ctx, "update_client")
	defer func() { done(err) }()

	return s.setClient(ctx, client, false)
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNil(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
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
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	keys, err := s.scan(ctx, s.clientKey("*"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan clients: %w", err)
	}

	clients := make([]*storage.Client, 0, len(keys))
	for _, key := range keys {
		client, err := s.GetClient(ctx, strings.TrimPrefix(key, s.clientKey("")))
		if err != nil {
			if errors.Is(err, storage.ErrClientNotFound) {
				continue // deleted between SCAN and GET
			}
			return nil, err
		}
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ClientID < clients[j].ClientID })
	return clients, nil
}

// scan returns every key matching pattern, deduplicated.
func (s *Store) scan(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, err
		}
		for _, key := range result.Elements {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		cursor = result.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}
