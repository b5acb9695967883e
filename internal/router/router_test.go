package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevenLi8888/simple-load-balancer/internal/model"
	"github.com/KevenLi8888/simple-load-balancer/internal/stickysession"
)

type fakeRegistry struct {
	service      *model.Service
	instances    []*model.Instance
	findErr      error
	listErr      error
	statusWrites map[string]model.Status
}

func newFakeRegistry(service *model.Service, instances []*model.Instance) *fakeRegistry {
	return &fakeRegistry{service: service, instances: instances, statusWrites: map[string]model.Status{}}
}

func (f *fakeRegistry) FindServiceByHeader(_ context.Context, host string) (*model.Service, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.service == nil || f.service.Header != host {
		return nil, ErrServiceNotFound
	}
	return f.service, nil
}

func (f *fakeRegistry) ListInstancesForService(_ context.Context, serviceID string) ([]*model.Instance, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.instances, nil
}

func (f *fakeRegistry) UpdateInstanceStatus(_ context.Context, instanceID string, status model.Status) error {
	f.statusWrites[instanceID] = status
	for _, inst := range f.instances {
		if inst.ID == instanceID {
			inst.Status = status
		}
	}
	return nil
}

type fakeForwarder struct {
	failFor  map[string]bool
	statusOf map[string]int
	calls    []string
}

func (f *fakeForwarder) Forward(w http.ResponseWriter, r *http.Request, instance *model.Instance, path string) (int, error) {
	f.calls = append(f.calls, instance.ID)
	if f.failFor[instance.ID] {
		return 0, errors.New("boom")
	}
	status := http.StatusOK
	if f.statusOf != nil {
		if s, ok := f.statusOf[instance.ID]; ok {
			status = s
		}
	}
	w.WriteHeader(status)
	w.Write([]byte(instance.ID))
	return status, nil
}

func TestRouteMissingHostReturns400(t *testing.T) {
	reg := newFakeRegistry(nil, nil)
	rt := New(reg, stickysession.New(0, 0), &fakeForwarder{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = ""
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouteUnknownHostReturns404(t *testing.T) {
	reg := newFakeRegistry(&model.Service{ID: "s1", Header: "known.example"}, nil)
	rt := New(reg, stickysession.New(0, 0), &fakeForwarder{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "unknown.example"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouteNoHealthyInstancesReturns503(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Unhealthy},
	})
	rt := New(reg, stickysession.New(0, 0), &fakeForwarder{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouteSuccessOnFirstHealthyInstance(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{}
	rt := New(reg, stickysession.New(0, 0), fwd, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "i1", rec.Body.String())
}

func TestRouteRetriesOnUpstreamFailureThenSucceeds(t *testing.T) {
	// Least-connection picks i1 first on a tie, independent of the shared
	// round-robin counter's position after earlier tests.
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.LeastConnection}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
		{ID: "i2", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{failFor: map[string]bool{"i1": true}}
	rt := New(reg, stickysession.New(0, 0), fwd, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.Unhealthy, reg.statusWrites["i1"])
}

func TestRouteExhaustedReturns503(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
		{ID: "i2", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{failFor: map[string]bool{"i1": true, "i2": true}}
	rt := New(reg, stickysession.New(0, 0), fwd, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, model.Unhealthy, reg.statusWrites["i1"])
	assert.Equal(t, model.Unhealthy, reg.statusWrites["i2"])
}

func TestRouteStatefulRemembersInstanceOnSuccess(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin, Stateful: true}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{}
	sticky := stickysession.New(0, 0)
	rt := New(reg, sticky, fwd, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	req.RemoteAddr = "9.9.9.9:1"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	require.Equal(t, http.StatusOK, rec.Code)

	got, ok := sticky.Lookup("9.9.9.9", "s1")
	require.True(t, ok)
	assert.Equal(t, "i1", got)
}

func TestRouteStatefulDoesNotRememberOnServerError(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin, Stateful: true}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{statusOf: map[string]int{"i1": http.StatusInternalServerError}}
	sticky := stickysession.New(0, 0)
	rt := New(reg, sticky, fwd, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	req.RemoteAddr = "9.9.9.9:1"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	_, ok := sticky.Lookup("9.9.9.9", "s1")
	assert.False(t, ok, "a 5xx response must not pin the client to the instance")
}

func TestRouteStatefulRemembersOnClientError(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin, Stateful: true}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{statusOf: map[string]int{"i1": http.StatusNotFound}}
	sticky := stickysession.New(0, 0)
	rt := New(reg, sticky, fwd, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	req.RemoteAddr = "9.9.9.9:1"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	require.Equal(t, http.StatusNotFound, rec.Code)

	got, ok := sticky.Lookup("9.9.9.9", "s1")
	require.True(t, ok, "a sub-500 response is still eligible for remember")
	assert.Equal(t, "i1", got)
}

// pickLastAlgorithm is a deterministic stand-in for a real algorithms.Algorithm,
// used so this test doesn't depend on round-robin's process-wide shared counter.
type pickLastAlgorithm struct{}

func (pickLastAlgorithm) Select(instances []*model.Instance, _ string) (*model.Instance, error) {
	if len(instances) == 0 {
		return nil, nil
	}
	return instances[len(instances)-1], nil
}

func TestSelectInstanceFallsThroughToAlgorithmWhenStickyTargetTried(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin, Stateful: true}
	reg := newFakeRegistry(svc, nil)
	sticky := stickysession.New(0, 0)
	sticky.Remember("9.9.9.9:1", "s1", "i1")
	rt := New(reg, sticky, &fakeForwarder{}, nil)

	working := []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
		{ID: "i2", ServiceID: "s1", Status: model.Healthy},
	}
	tried := map[string]bool{"i1": true}

	inst := rt.selectInstance(pickLastAlgorithm{}, svc, working, tried, "9.9.9.9:1")
	require.NotNil(t, inst, "a tried sticky target must fall through to the algorithm, not stop the loop")
	assert.Equal(t, "i2", inst.ID)

	_, ok := sticky.Lookup("9.9.9.9:1", "s1")
	assert.False(t, ok, "the stale sticky entry is forgotten once bypassed")
}

func TestRouteStatefulUsesStickyInstanceOverAlgorithm(t *testing.T) {
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.RoundRobin, Stateful: true}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
		{ID: "i2", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{}
	sticky := stickysession.New(0, 0)
	sticky.Remember("9.9.9.9", "s1", "i2")
	rt := New(reg, sticky, fwd, nil)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	req.RemoteAddr = "9.9.9.9:1"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "i2", rec.Body.String())
}

type fakeMarker struct {
	marked []string
}

func (f *fakeMarker) MarkUnhealthy(_ context.Context, instanceID string) {
	f.marked = append(f.marked, instanceID)
}

func TestRouteUsesUnhealthyMarkerWhenSet(t *testing.T) {
	// Least-connection picks i1 first on a tie (see the retry test above).
	svc := &model.Service{ID: "s1", Header: "h", Algorithm: model.LeastConnection}
	reg := newFakeRegistry(svc, []*model.Instance{
		{ID: "i1", ServiceID: "s1", Status: model.Healthy},
		{ID: "i2", ServiceID: "s1", Status: model.Healthy},
	})
	fwd := &fakeForwarder{failFor: map[string]bool{"i1": true}}
	rt := New(reg, stickysession.New(0, 0), fwd, nil)
	marker := &fakeMarker{}
	rt.SetUnhealthyMarker(marker)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "h"
	rec := httptest.NewRecorder()

	rt.Route(rec, req, "/x")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"i1"}, marker.marked)
	assert.Empty(t, reg.statusWrites, "registry should not be written directly once a marker is set")
}

func TestClientIPPrefersXForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	req.RemoteAddr = "9.9.9.9:1"

	assert.Equal(t, "1.1.1.1", clientIPOf(req))
}
