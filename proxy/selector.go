// Package proxy implements outbound proxy pool selection for HTTP
// connectors.
//
// A pool is a named set of proxy URLs with a rotation strategy. Selection
// state is process-local, like the connector rate-limit clock; workers do
// not coordinate proxy assignment across processes.
package proxy

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"
)

// Strategy selects how a pool rotates across its endpoints.
type Strategy string

const (
	// StrategyRoundRobin cycles endpoints in order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyRandom picks uniformly at random per request.
	StrategyRandom Strategy = "random"
	// StrategySticky pins a key (normally the upstream host) to one
	// endpoint, optionally expiring after StickyTTL.
	StrategySticky Strategy = "sticky"
)

// Pool configures one proxy pool.
type Pool struct {
	Name      string   `yaml:"name"`
	Endpoints []string `yaml:"endpoints"`
	Strategy  Strategy `yaml:"strategy"`

	// StickyTTLSeconds expires sticky assignments. Zero means pinned
	// forever.
	StickyTTLSeconds int `yaml:"sticky_ttl_seconds"`
}

func (p *Pool) stickyTTL() time.Duration {
	return time.Duration(p.StickyTTLSeconds) * time.Second
}

// Validate checks the pool configuration.
func (p *Pool) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("proxy pool has no name")
	}
	if len(p.Endpoints) == 0 {
		return fmt.Errorf("proxy pool %q has no endpoints", p.Name)
	}
	for _, ep := range p.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return fmt.Errorf("proxy pool %q endpoint %q: %w", p.Name, ep, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy pool %q endpoint %q is not an absolute URL", p.Name, ep)
		}
	}
	switch p.Strategy {
	case StrategyRoundRobin, StrategyRandom, StrategySticky, "":
	default:
		return fmt.Errorf("proxy pool %q has unknown strategy %q", p.Name, p.Strategy)
	}
	return nil
}

type stickyEntry struct {
	idx       int
	expiresAt time.Time
}

// Selector picks endpoints from one pool. Safe for concurrent use.
type Selector struct {
	pool      Pool
	endpoints []*url.URL

	mu     sync.Mutex
	rr     int
	sticky map[string]stickyEntry
}

// NewSelector validates the pool and builds a selector over it.
func NewSelector(pool Pool) (*Selector, error) {
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	if pool.Strategy == "" {
		pool.Strategy = StrategyRoundRobin
	}
	endpoints := make([]*url.URL, len(pool.Endpoints))
	for i, ep := range pool.Endpoints {
		u, err := url.Parse(ep)
		if err != nil {
			return nil, err
		}
		endpoints[i] = u
	}
	return &Selector{
		pool:      pool,
		endpoints: endpoints,
		sticky:    make(map[string]stickyEntry),
	}, nil
}

// Pick returns the endpoint for the next request. key drives sticky
// assignment and is ignored by the other strategies; callers normally pass
// the upstream host.
func (s *Selector) Pick(key string) (*url.URL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var idx int
	switch s.pool.Strategy {
	case StrategyRoundRobin:
		idx = s.rr % len(s.endpoints)
		s.rr++
	case StrategyRandom:
		var err error
		idx, err = s.randomIndex()
		if err != nil {
			return nil, err
		}
	case StrategySticky:
		var err error
		idx, err = s.stickyIndex(key)
		if err != nil {
			return nil, err
		}
	}
	return s.endpoints[idx], nil
}

func (s *Selector) randomIndex() (int, error) {
	n := len(s.endpoints)
	if n == 1 {
		return 0, nil
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("random selection failed: %w", err)
	}
	return int(v.Int64()), nil
}

func (s *Selector) stickyIndex(key string) (int, error) {
	if key == "" {
		return 0, fmt.Errorf("sticky selection in pool %q requires a key", s.pool.Name)
	}
	now := time.Now()
	if entry, ok := s.sticky[key]; ok {
		if entry.expiresAt.IsZero() || entry.expiresAt.After(now) {
			return entry.idx, nil
		}
		delete(s.sticky, key)
	}

	// New assignments pick at random so keys spread across the pool.
	idx, err := s.randomIndex()
	if err != nil {
		return 0, err
	}
	entry := stickyEntry{idx: idx}
	if ttl := s.pool.stickyTTL(); ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	s.sticky[key] = entry
	return idx, nil
}

// Stats reports selector state for diagnostics.
type Stats struct {
	Pool            string
	Endpoints       int
	RoundRobinIndex int
	StickyEntries   int
}

// SelectorStats returns a snapshot of the selector's rotation state.
func (s *Selector) SelectorStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pool:            s.pool.Name,
		Endpoints:       len(s.endpoints),
		RoundRobinIndex: s.rr,
		StickyEntries:   len(s.sticky),
	}
}

// CleanExpired removes expired sticky assignments. Call periodically on
// long-lived selectors to bound memory.
func (s *Selector) CleanExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, entry := range s.sticky {
		if !entry.expiresAt.IsZero() && entry.expiresAt.Before(now) {
			delete(s.sticky, key)
		}
	}
}
