// Package model defines the registry's data model: services and the
// backend instances that belong to them.
package model

import "github.com/google/uuid"

// Algorithm names a load-balancing strategy a service selects instances with.
type Algorithm string

const (
	RoundRobin         Algorithm = "round_robin"
	IPHash             Algorithm = "ip_hash"
	LeastConnection    Algorithm = "least_connection"
	WeightedRoundRobin Algorithm = "weighted_round_robin"
)

// Valid reports whether a is one of the known algorithm tags.
func (a Algorithm) Valid() bool {
	switch a {
	case RoundRobin, IPHash, LeastConnection, WeightedRoundRobin:
		return true
	}
	return false
}

// Status is the health state of an instance.
type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
	Unknown   Status = "unknown"
)

// Valid reports whether s is one of the known status tags.
func (s Status) Valid() bool {
	switch s {
	case Healthy, Unhealthy, Unknown:
		return true
	}
	return false
}

// Service is a routing target selected by a Host header.
type Service struct {
	ID        string    `bson:"id" json:"id"`
	Name      string    `bson:"name" json:"name"`
	Header    string    `bson:"header" json:"header"`
	Algorithm Algorithm `bson:"algorithm" json:"algorithm"`
	Stateful  bool      `bson:"stateful" json:"stateful"`
}

// NewService builds a Service with a fresh id and the round-robin default.
func NewService(name, header string, algo Algorithm, stateful bool) *Service {
	if algo == "" {
		algo = RoundRobin
	}
	return &Service{
		ID:        uuid.NewString(),
		Name:      name,
		Header:    header,
		Algorithm: algo,
		Stateful:  stateful,
	}
}

// Instance is a backend endpoint belonging to a Service.
type Instance struct {
	ID        string `bson:"id" json:"id"`
	ServiceID string `bson:"service_id" json:"service_id"`
	Addr      string `bson:"addr" json:"addr"`
	Status    Status `bson:"status" json:"status"`
	Weight    int    `bson:"weight" json:"weight"`
}

// NewInstance builds an Instance with a fresh id, unknown status and a
// default weight of 1.
func NewInstance(serviceID, addr string, weight int) *Instance {
	if weight <= 0 {
		weight = 1
	}
	return &Instance{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Addr:      addr,
		Status:    Unknown,
		Weight:    weight,
	}
}

// EffectiveWeight returns i.Weight, defaulting to 1 for zero/negative values
// (Open Question #2: weight comes from the registry record, not position).
func (i *Instance) EffectiveWeight() int {
	if i == nil || i.Weight <= 0 {
		return 1
	}
	return i.Weight
}
