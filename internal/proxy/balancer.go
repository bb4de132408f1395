package proxy

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math/rand"

	"github.com/selfstart/selfstart/internal/store"
)

// selectBackend picks a backend for one request attempt. tried excludes
// backends that already failed for this request, so retries land
// elsewhere. Sticky sessions short-circuit policy selection while the
// pinned backend stays eligible.
func (m *Manager) selectBackend(ctx context.Context, t *target, clientIP, session string, tried map[*Backend]bool) *Backend {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*Backend, 0, len(t.backends))
	for _, b := range t.backends {
		if b.availableFor() && !tried[b] {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	if t.cfg.StickySessions && session != "" {
		if url, ok := m.sessions[session]; ok {
			for _, b := range candidates {
				if b.URL() == url {
					return b
				}
			}
			// Pinned backend left the pool; fall through and re-pin.
			delete(m.sessions, session)
		}
	}

	switch t.cfg.Policy {
	case store.PolicyLeastConnections:
		return leastConnections(candidates)
	case store.PolicyWeighted:
		return weighted(candidates)
	case store.PolicyIPHash:
		return ipHash(candidates, clientIP)
	case store.PolicyHealthBased:
		return healthBased(candidates)
	default:
		return m.roundRobin(ctx, t, candidates)
	}
}

// roundRobin advances the shared counter through the store so rotation is
// coherent across restarts; a store failure falls back to a per-target
// atomic.
func (m *Manager) roundRobin(ctx context.Context, t *target, candidates []*Backend) *Backend {
	if m.reg != nil {
		if n, err := m.reg.NextRoundRobin(ctx, t.cfg.Name); err == nil {
			return candidates[int(n%int64(len(candidates)))]
		}
	}
	n := t.rrLocal.Add(1)
	return candidates[int(n%int64(len(candidates)))]
}

func leastConnections(candidates []*Backend) *Backend {
	best := candidates[0]
	for _, b := range candidates[1:] {
		if b.connections.Load() < best.connections.Load() {
			best = b
		}
	}
	return best
}

// weighted picks backend b with probability weight_b over the total.
func weighted(candidates []*Backend) *Backend {
	total := 0
	for _, b := range candidates {
		total += b.Weight
	}
	if total <= 0 {
		return candidates[0]
	}
	r := rand.Intn(total) + 1
	for _, b := range candidates {
		r -= b.Weight
		if r <= 0 {
			return b
		}
	}
	return candidates[len(candidates)-1]
}

// ipHash pins a client address to a backend index for as long as the
// healthy set is stable.
func ipHash(candidates []*Backend, clientIP string) *Backend {
	if clientIP == "" {
		return candidates[0]
	}
	sum := md5.Sum([]byte(clientIP))
	n := binary.BigEndian.Uint64(sum[:8])
	return candidates[n%uint64(len(candidates))]
}

func healthBased(candidates []*Backend) *Backend {
	best := candidates[0]
	for _, b := range candidates[1:] {
		if b.HealthRatio() > best.HealthRatio() {
			best = b
		}
	}
	return best
}
