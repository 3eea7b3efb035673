// Package kv is a temporary in-memory key-value service.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/peerwire/internal/services"
)

const Namespace = "kv"

var (
	ErrMissingKey = errors.New("kv: missing key")
	ErrNotFound   = errors.New("kv: key not found")
)

type PutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type KeyRequest struct {
	Key string `json:"key"`
}

type ListRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

type GetResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Found bool   `json:"found"`
}

type Store struct {
	mu    sync.RWMutex
	store map[string]string
}

func NewStore() *Store {
	return &Store{store: make(map[string]string)}
}

func (s *Store) Namespace() string { return Namespace }

func (s *Store) Register(r *services.Registry) error {
	if _, err := services.Handle(r, "put", s.put); err != nil {
		return err
	}
	if _, err := services.Handle(r, "get", s.get); err != nil {
		return err
	}
	if _, err := services.Handle(r, "delete", s.del); err != nil {
		return err
	}
	_, err := services.Handle(r, "list", s.list)
	return err
}

func (s *Store) put(_ context.Context, req PutRequest) (bool, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return false, ErrMissingKey
	}
	s.mu.Lock()
	s.store[key] = req.Value
	s.mu.Unlock()
	return true, nil
}

func (s *Store) get(_ context.Context, req KeyRequest) (GetResponse, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return GetResponse{}, ErrMissingKey
	}
	s.mu.RLock()
	val, ok := s.store[key]
	s.mu.RUnlock()
	return GetResponse{Key: key, Value: val, Found: ok}, nil
}

func (s *Store) del(_ context.Context, req KeyRequest) (bool, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return false, ErrMissingKey
	}
	s.mu.Lock()
	_, ok := s.store[key]
	delete(s.store, key)
	s.mu.Unlock()
	return ok, nil
}

func (s *Store) list(_ context.Context, req ListRequest) ([]string, error) {
	prefix := strings.TrimSpace(req.Prefix)
	s.mu.RLock()
	keys := make([]string, 0, len(s.store))
	for k := range s.store {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Client calls a remote kv service.
type Client struct {
	Remote services.Remote
}

func (c Client) Put(ctx context.Context, key, value string) error {
	_, err := services.Call[PutRequest, bool](ctx, c.Remote, "put", PutRequest{Key: key, Value: value})
	return err
}

func (c Client) Get(ctx context.Context, key string) (string, error) {
	resp, err := services.Call[KeyRequest, GetResponse](ctx, c.Remote, "get", KeyRequest{Key: key})
	if err != nil {
		return "", err
	}
	if !resp.Found {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return resp.Value, nil
}

func (c Client) Delete(ctx context.Context, key string) (bool, error) {
	return services.Call[KeyRequest, bool](ctx, c.Remote, "delete", KeyRequest{Key: key})
}

func (c Client) List(ctx context.Context, prefix string) ([]string, error) {
	return services.Call[ListRequest, []string](ctx, c.Remote, "list", ListRequest{Prefix: prefix})
}
