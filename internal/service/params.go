package service

import (
	"context"
	"sync"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// StaticParams is a ParameterProvider backed by configuration. Set replaces
// the values at runtime.
type StaticParams struct {
	mu sync.RWMutex
	p  domain.TradingParams
}

// NewStaticParams creates a StaticParams holding p.
func NewStaticParams(p domain.TradingParams) *StaticParams {
	return &StaticParams{p: p}
}

// Params implements domain.ParameterProvider.
func (s *StaticParams) Params(context.Context) (domain.TradingParams, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p, nil
}

// Set replaces the parameters.
func (s *StaticParams) Set(p domain.TradingParams) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}
