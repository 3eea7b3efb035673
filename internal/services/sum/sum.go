// Package sum is an accumulator service: Add adds to a running total and Show
// reports it.
package sum

import (
	"context"
	"sync"

	"github.com/danmuck/peerwire/internal/services"
)

const (
	Namespace = "sum"
	AddName   = "Add"
	ShowName  = "Show"
)

type Sum struct {
	mu    sync.Mutex
	total int64
}

func New() *Sum {
	return &Sum{}
}

// NewRegistry returns a registry serving s under Namespace.
func NewRegistry(s *Sum) (*services.Registry, error) {
	reg := services.NewRegistry(Namespace, nil)
	if err := s.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func (s *Sum) Namespace() string { return Namespace }

func (s *Sum) Register(r *services.Registry) error {
	if _, err := services.Handle(r, AddName, s.add); err != nil {
		return err
	}
	_, err := services.Handle(r, ShowName, s.show)
	return err
}

func (s *Sum) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Sum) add(_ context.Context, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += n
	return s.total, nil
}

func (s *Sum) show(context.Context, struct{}) (int64, error) {
	return s.Total(), nil
}

// Add calls Add on a remote accumulator and returns the new total.
func Add(ctx context.Context, r services.Remote, n int64) (int64, error) {
	return services.Call[int64, int64](ctx, r, AddName, n)
}

// AddAsync sends Add without waiting for the total.
func AddAsync(ctx context.Context, r services.Remote, n int64) error {
	return services.Send(ctx, r, AddName, n)
}

func Show(ctx context.Context, r services.Remote) (int64, error) {
	return services.Call[struct{}, int64](ctx, r, ShowName, struct{}{})
}
