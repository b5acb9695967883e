// Package router implements the request-routing orchestrator: it resolves
// the target service from the Host header, selects a healthy instance,
// forwards the request, and retries against the remaining instances on
// upstream failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/KevenLi8888/simple-load-balancer/internal/algorithms"
	"github.com/KevenLi8888/simple-load-balancer/internal/model"
	"github.com/KevenLi8888/simple-load-balancer/internal/registry"
	"github.com/KevenLi8888/simple-load-balancer/internal/stickysession"
)

// Registry is the subset of the registry gateway the router needs: service
// resolution, instance listing, and best-effort health-status writes.
type Registry interface {
	FindServiceByHeader(ctx context.Context, host string) (*model.Service, error)
	ListInstancesForService(ctx context.Context, serviceID string) ([]*model.Instance, error)
	UpdateInstanceStatus(ctx context.Context, instanceID string, status model.Status) error
}

// Forwarder sends a request to a chosen instance, writes the response, and
// reports the upstream status code alongside any error. Satisfied by
// *proxy.Forwarder; an interface here so tests can substitute a fake
// upstream without standing up a real listener.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, instance *model.Instance, path string) (int, error)
}

// releaser is implemented by algorithms that track in-flight connection
// counts (least-connection) and need the paired decrement once a forward
// attempt finishes, win or lose.
type releaser interface {
	Release(instanceID string)
}

// UnhealthyMarker is the health checker's manual-transition entry point
// (*healthcheck.Checker satisfies it). When set via SetUnhealthyMarker, the
// retry loop routes its unhealthy transition through it instead of writing
// to the registry directly, so the checker's own logging stays the single
// place that reports status flips.
type UnhealthyMarker interface {
	MarkUnhealthy(ctx context.Context, instanceID string)
}

// Router is the request-routing orchestrator described in spec.md §4.4.
type Router struct {
	registry        Registry
	sticky          *stickysession.Manager
	forward         Forwarder
	logger          *zap.Logger
	unhealthyMarker UnhealthyMarker
}

// New builds a Router over the given registry, sticky-session manager, and
// forwarder. logger defaults to a no-op logger when nil.
func New(registry Registry, sticky *stickysession.Manager, forward Forwarder, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: registry, sticky: sticky, forward: forward, logger: logger}
}

// SetUnhealthyMarker wires the health checker's MarkUnhealthy into the
// retry loop's failure path. Without it, the router falls back to writing
// the status through the registry itself.
func (rt *Router) SetUnhealthyMarker(m UnhealthyMarker) {
	rt.unhealthyMarker = m
}

// ServeHTTP implements http.Handler so a Router can be mounted directly as
// the proxy listener.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.Route(w, r, r.URL.Path)
}

// Route resolves and forwards the request, writing the final response (or
// an error response) to w. It implements the state machine in spec.md
// §4.4: Init → Resolved → InstanceSelected → (Success | Retry | Exhausted),
// with short-circuits to 400/404/503/500.
func (rt *Router) Route(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()

	host := r.Host
	if host == "" {
		writeError(w, http.StatusBadRequest, "Missing Host header")
		return
	}

	service, err := rt.registry.FindServiceByHeader(ctx, host)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("No service found for host: %s", host))
			return
		}
		rt.logger.Error("error routing request", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	instances, err := rt.registry.ListInstancesForService(ctx, service.ID)
	if err != nil {
		rt.logger.Error("error routing request", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	eligible := healthyOnly(instances)
	if len(eligible) == 0 {
		writeError(w, http.StatusServiceUnavailable, "No healthy instances available")
		return
	}

	clientIP := clientIPOf(r)
	rt.routeWithRetries(w, r, service, eligible, clientIP, path)
}

// routeWithRetries implements the select/forward/retry loop of
// _route_with_retries: a shrinking working set plus a tried set, falling
// back through sticky session, then the configured algorithm.
func (rt *Router) routeWithRetries(w http.ResponseWriter, r *http.Request, service *model.Service, eligible []*model.Instance, clientIP, path string) {
	algo, err := algorithms.NewForType(service.Algorithm)
	if err != nil {
		rt.logger.Error("error selecting instance", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	working := append([]*model.Instance(nil), eligible...)
	tried := make(map[string]bool)

	var lastErr error
	for len(working) > 0 {
		instance := rt.selectInstance(algo, service, working, tried, clientIP)
		if instance == nil {
			break
		}
		tried[instance.ID] = true

		status, err := rt.forward.Forward(w, r, instance, path)
		if rel, ok := algo.(releaser); ok {
			rel.Release(instance.ID)
		}
		if err == nil {
			// spec.md §4.4 step 5: only remember the instance when its
			// response wasn't a server error — a 5xx backend must not get a
			// client pinned to it.
			if service.Stateful && status < http.StatusInternalServerError {
				rt.sticky.Remember(clientIP, service.ID, instance.ID)
			}
			return
		}

		lastErr = err
		rt.logger.Warn("request to instance failed", zap.String("instance_id", instance.ID), zap.Error(err))

		if service.Stateful {
			rt.sticky.Forget(clientIP, service.ID)
		}
		if rt.unhealthyMarker != nil {
			rt.unhealthyMarker.MarkUnhealthy(r.Context(), instance.ID)
		} else if updErr := rt.registry.UpdateInstanceStatus(r.Context(), instance.ID, model.Unhealthy); updErr != nil {
			rt.logger.Error("failed to mark instance unhealthy", zap.String("instance_id", instance.ID), zap.Error(updErr))
		} else {
			rt.logger.Info("marked instance as unhealthy", zap.String("instance_id", instance.ID))
		}

		working = removeInstance(working, instance.ID)
		if len(working) > 0 {
			rt.logger.Info("retrying with other available instances", zap.Int("remaining", len(working)))
		} else {
			rt.logger.Error("no more instances available for retry")
		}
	}

	msg := "All instances failed to process the request"
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	writeError(w, http.StatusServiceUnavailable, msg)
}

// selectInstance implements the Select step: a sticky hit against the
// working set wins; otherwise the algorithm picks. A sticky hit that points
// to an already-tried instance falls through to the algorithm rather than
// stopping the loop (spec.md §4.4 edge cases). A pick the algorithm offers
// that has already been tried (a deterministic algorithm re-offering the
// same instance) does stop the loop.
func (rt *Router) selectInstance(algo algorithms.Algorithm, service *model.Service, working []*model.Instance, tried map[string]bool, clientIP string) *model.Instance {
	if service.Stateful {
		if instanceID, ok := rt.sticky.Lookup(clientIP, service.ID); ok {
			if inst := findInstance(working, instanceID); inst != nil && !tried[inst.ID] {
				return inst
			}
			rt.sticky.Forget(clientIP, service.ID)
		}
	}

	instance, err := algo.Select(working, clientIP)
	if err != nil || instance == nil {
		return nil
	}
	if tried[instance.ID] {
		return nil
	}
	return instance
}

func healthyOnly(instances []*model.Instance) []*model.Instance {
	out := make([]*model.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Status == model.Healthy {
			out = append(out, inst)
		}
	}
	return out
}

func findInstance(instances []*model.Instance, id string) *model.Instance {
	for _, inst := range instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

func removeInstance(instances []*model.Instance, id string) []*model.Instance {
	out := make([]*model.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.ID != id {
			out = append(out, inst)
		}
	}
	return out
}

// clientIPOf extracts the client's real address: the first token of
// X-Forwarded-For, else X-Real-IP, else the socket peer's IP (port
// stripped), else "0.0.0.0".
func clientIPOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "0.0.0.0"
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	w.Write([]byte(message))
}

// ErrServiceNotFound is returned by a Registry implementation when no
// service matches the requested Host header. It is the registry package's
// own sentinel, so the Mongo-backed registry's not-found maps to 404.
var ErrServiceNotFound = registry.ErrServiceNotFound
