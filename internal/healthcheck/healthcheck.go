// Package healthcheck runs the background probe loop that keeps each
// instance's stored status in sync with its actual reachability.
package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KevenLi8888/simple-load-balancer/internal/model"
)

// Defaults per spec.md §4.5.
const (
	DefaultInterval       = 5 * time.Second
	DefaultRetries        = 3
	DefaultRequestTimeout = 2 * time.Second
)

// retryPause is the original's brief sleep between retries of a single
// instance ("time.sleep(1)").
const retryPause = 1 * time.Second

// Registry is the subset of the registry gateway the checker needs.
type Registry interface {
	ListServices(ctx context.Context) ([]*model.Service, error)
	ListInstancesForService(ctx context.Context, serviceID string) ([]*model.Instance, error)
	UpdateInstanceStatus(ctx context.Context, instanceID string, status model.Status) error
}

// Checker is the health-check background scheduler.
type Checker struct {
	registry       Registry
	interval       time.Duration
	retries        int
	requestTimeout time.Duration
	client         *http.Client
	logger         *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// New builds a Checker. Zero values for interval/retries/requestTimeout
// fall back to the spec defaults.
func New(registry Registry, interval time.Duration, retries int, requestTimeout time.Duration, logger *zap.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retries <= 0 {
		retries = DefaultRetries
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		registry:       registry,
		interval:       interval,
		retries:        retries,
		requestTimeout: requestTimeout,
		client:         &http.Client{Timeout: requestTimeout},
		logger:         logger,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Run is the main health-check loop. It blocks until Stop is called or ctx
// is cancelled. Stop lets the in-flight sweep finish and takes effect at the
// next iteration boundary, matching the original's cooperative stop
// semantics; cancelling ctx also aborts the in-flight sweep's probes and
// retry pauses.
func (c *Checker) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.checkAllInstances(ctx); err != nil {
			c.logger.Error("error in health check loop", zap.Error(err))
		}

		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop signals Run to exit after its current sweep completes.
func (c *Checker) Stop() {
	close(c.stop)
	<-c.done
}

// checkAllInstances fans out one goroutine per service — each service's
// instances are still probed sequentially, matching the per-instance
// retry/sleep contract, but unrelated services no longer serialize behind
// each other's timeouts (see SPEC_FULL.md §4.5).
func (c *Checker) checkAllInstances(ctx context.Context) error {
	services, err := c.registry.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("listing services: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			instances, err := c.registry.ListInstancesForService(gctx, svc.ID)
			if err != nil {
				c.logger.Error("error listing instances", zap.String("service_id", svc.ID), zap.Error(err))
				return nil
			}
			for _, inst := range instances {
				c.checkInstance(gctx, inst)
			}
			return nil
		})
	}
	return g.Wait()
}

// checkInstance probes a single instance up to c.retries times, pausing
// retryPause between attempts. Any HTTP response counts as healthy; only
// a transport-level error counts as a failure.
func (c *Checker) checkInstance(ctx context.Context, inst *model.Instance) {
	url := fmt.Sprintf("http://%s/", inst.Addr)
	healthy := false

	for attempt := 0; attempt < c.retries; attempt++ {
		if c.probe(ctx, url) {
			healthy = true
			break
		}
		select {
		case <-time.After(retryPause):
		case <-ctx.Done():
			return
		}
	}

	newStatus := model.Unhealthy
	if healthy {
		newStatus = model.Healthy
	}
	if newStatus == inst.Status {
		return
	}

	if err := c.registry.UpdateInstanceStatus(ctx, inst.ID, newStatus); err != nil {
		c.logger.Error("error updating instance status", zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	if newStatus == model.Unhealthy {
		c.logger.Warn("instance marked unhealthy", zap.String("addr", inst.Addr))
	} else {
		c.logger.Info("instance marked healthy", zap.String("addr", inst.Addr))
	}
}

func (c *Checker) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	res, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("health check request failed", zap.String("url", url), zap.Error(err))
		return false
	}
	defer res.Body.Close()
	return true
}

// MarkUnhealthy is the explicit manual transition the router calls after a
// forward failure, independent of the background sweep.
func (c *Checker) MarkUnhealthy(ctx context.Context, instanceID string) {
	if err := c.registry.UpdateInstanceStatus(ctx, instanceID, model.Unhealthy); err != nil {
		c.logger.Error("error marking instance as unhealthy", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	c.logger.Warn("instance manually marked as unhealthy", zap.String("instance_id", instanceID))
}
