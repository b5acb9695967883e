// Package algorithms implements the pluggable instance-selection
// strategies a service picks a backend with: round-robin, IP hash,
// least-connection and weighted round-robin.
//
// Every Algorithm is safe for concurrent use: the round-robin counter is
// advanced atomically, and the least-connection count map sits behind a
// single mutex that is never held across anything but an in-memory
// operation.
package algorithms

import (
	"crypto/md5"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/KevenLi8888/simple-load-balancer/internal/model"
)

var (
	// ErrNoInstances is returned when Select is called with an empty set.
	// The router guarantees this never reaches a client (spec §7).
	ErrNoInstances = errors.New("algorithms: no instances available")

	// ErrMissingClientIP is returned by IPHash when clientIP is empty.
	ErrMissingClientIP = errors.New("algorithms: client ip is required for ip_hash")

	// ErrUnsupportedAlgorithm is returned by NewForType for unknown tags.
	ErrUnsupportedAlgorithm = errors.New("algorithms: unsupported algorithm")
)

// Algorithm selects one instance out of the caller-supplied eligible set.
// Implementations never filter the input by health themselves — the
// caller (the router) only ever passes instances it considers eligible.
type Algorithm interface {
	Select(instances []*model.Instance, clientIP string) (*model.Instance, error)
}

// NewForType is the factory the router dispatches through: service.Algorithm
// selects which strategy instance to use.
func NewForType(algo model.Algorithm) (Algorithm, error) {
	switch algo {
	case model.RoundRobin:
		return RoundRobinAlgorithm, nil
	case model.IPHash:
		return IPHashAlgorithm, nil
	case model.LeastConnection:
		return LeastConnectionAlgorithm, nil
	case model.WeightedRoundRobin:
		return WeightedRoundRobinAlgorithm, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

// roundRobin maintains one process-wide monotonic counter shared across
// every service that uses round-robin selection, matching the source's
// single itertools.cycle shared by all RoundRobinAlgorithm instances.
type roundRobin struct {
	counter uint64
}

// RoundRobinAlgorithm is the process-wide round-robin selector.
var RoundRobinAlgorithm Algorithm = &roundRobin{}

func (r *roundRobin) Select(instances []*model.Instance, _ string) (*model.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	n := atomic.AddUint64(&r.counter, 1) - 1
	return instances[int(n%uint64(len(instances)))], nil
}

// ipHash deterministically maps a client IP onto an instance by hashing
// the IP bytes with MD5 and reducing modulo the set size.
type ipHash struct{}

// IPHashAlgorithm is the IP-hash selector.
var IPHashAlgorithm Algorithm = ipHash{}

func (ipHash) Select(instances []*model.Instance, clientIP string) (*model.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	if clientIP == "" {
		return nil, ErrMissingClientIP
	}
	sum := md5.Sum([]byte(clientIP))
	hashInt := new(big.Int).SetBytes(sum[:])
	mod := new(big.Int).SetUint64(uint64(len(instances)))
	idx := new(big.Int).Mod(hashInt, mod).Uint64()
	return instances[idx], nil
}

// leastConnection tracks a process-global instance-id -> active-count map.
// Select picks the minimum (first match on ties) and increments it;
// Release is the paired decrement the router calls on completion or
// failure (Open Question #3: the original never decrements).
type leastConnection struct {
	mu    sync.Mutex
	conns map[string]int
}

// LeastConnectionAlgorithm is the process-wide least-connection selector.
var LeastConnectionAlgorithm = &leastConnection{conns: make(map[string]int)}

func (l *leastConnection) Select(instances []*model.Instance, _ string) (*model.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var selected *model.Instance
	min := -1
	for _, inst := range instances {
		c := l.conns[inst.ID]
		if min == -1 || c < min {
			min = c
			selected = inst
		}
	}
	l.conns[selected.ID]++
	return selected, nil
}

// Release decrements the connection count for instanceID, pairing a prior
// Select. Counts never go below zero (invariant 5).
func (l *leastConnection) Release(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.conns[instanceID]; ok && c > 0 {
		l.conns[instanceID] = c - 1
	}
}

// Count returns the current tracked connection count for instanceID,
// defaulting to 0 for ids never seen by Select. Exposed for tests.
func (l *leastConnection) Count(instanceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[instanceID]
}

// Release decrements the least-connection counter for instanceID. It is a
// package-level convenience over the shared LeastConnectionAlgorithm.
func Release(instanceID string) {
	LeastConnectionAlgorithm.Release(instanceID)
}

// weightedRoundRobin expands the input (each instance repeated by its
// effective weight, in input order) and applies the *same* shared counter
// as plain round-robin against that expansion (spec §4.1: "applies the
// same shared counter as plain round-robin").
type weightedRoundRobin struct {
	rr *roundRobin
}

// WeightedRoundRobinAlgorithm is the weighted round-robin selector. Per
// Open Question #2, weight is read from each Instance's Weight field
// rather than assigned positionally.
var WeightedRoundRobinAlgorithm Algorithm = weightedRoundRobin{rr: RoundRobinAlgorithm.(*roundRobin)}

func (w weightedRoundRobin) Select(instances []*model.Instance, _ string) (*model.Instance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	expanded := make([]*model.Instance, 0, len(instances))
	for _, inst := range instances {
		for i := 0; i < inst.EffectiveWeight(); i++ {
			expanded = append(expanded, inst)
		}
	}
	if len(expanded) == 0 {
		return instances[0], nil
	}
	n := atomic.AddUint64(&w.rr.counter, 1) - 1
	return expanded[int(n%uint64(len(expanded)))], nil
}
