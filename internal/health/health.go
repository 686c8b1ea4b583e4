// Package health reports service readiness over HTTP and the gRPC health protocol.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the VM API.
const ServiceName = "shsh.vms"

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Status is the result of one check.
type Status struct {
	Healthy    bool              `json:"healthy"`
	Components map[string]string `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Checker runs named probes and publishes the result to a gRPC health server.
type Checker struct {
	probes  map[string]Probe
	timeout time.Duration
	server  *grpchealth.Server

	mu   sync.RWMutex
	last Status
}

// NewChecker creates a checker; each probe gets timeout to answer.
func NewChecker(timeout time.Duration, probes map[string]Probe) *Checker {
	return &Checker{
		probes:  probes,
		timeout: timeout,
		server:  grpchealth.NewServer(),
	}
}

// Check runs every probe and records the outcome.
func (c *Checker) Check(ctx context.Context) Status {
	st := Status{Healthy: true, Components: make(map[string]string, len(c.probes)), CheckedAt: time.Now()}

	for name, probe := range c.probes {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := probe(pctx)
		cancel()
		if err != nil {
			st.Healthy = false
			st.Components[name] = err.Error()
			slog.Warn("Health probe failed", "component", name, "error", err)
			continue
		}
		st.Components[name] = "ok"
	}

	serving := healthpb.HealthCheckResponse_SERVING
	if !st.Healthy {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.server.SetServingStatus("", serving)
	c.server.SetServingStatus(ServiceName, serving)

	c.mu.Lock()
	c.last = st
	c.mu.Unlock()
	return st
}

// Last returns the most recent result.
func (c *Checker) Last() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Start re-checks every interval until ctx is done.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	c.Check(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Check(ctx)
			case <-ctx.Done():
				c.server.Shutdown()
				return
			}
		}
	}()
}

// Register attaches the health service to a gRPC server.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

// Serve starts a gRPC server exposing only the health service on addr. The
// returned server must be stopped by the caller.
func (c *Checker) Serve(addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	s := grpc.NewServer()
	c.Register(s)
	go func() {
		slog.Info("gRPC health server listening", "addr", lis.Addr().String())
		if err := s.Serve(lis); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()
	return s, nil
}
