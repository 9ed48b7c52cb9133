package monitor

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReconcileService is the health service name reported for the loop.
const ReconcileService = "trading-guard.reconcile"

// Health exposes liveness over the standard gRPC health protocol. The
// reconcile service turns NOT_SERVING after consecutive failed cycles.
type Health struct {
	mu        sync.Mutex
	srv       *health.Server
	failures  int
	threshold int
	log       *logrus.Entry
}

// NewHealth creates a health tracker; threshold defaults to 3.
func NewHealth(threshold int) *Health {
	if threshold <= 0 {
		threshold = 3
	}
	h := &Health{
		srv:       health.NewServer(),
		threshold: threshold,
		log:       logrus.WithField("component", "health"),
	}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.srv.SetServingStatus(ReconcileService, healthpb.HealthCheckResponse_SERVING)
	return h
}

// RecordCycle updates the reconcile status from one cycle result.
func (h *Health) RecordCycle(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		if h.failures >= h.threshold {
			h.log.Info("reconciliation recovered")
		}
		h.failures = 0
		h.srv.SetServingStatus(ReconcileService, healthpb.HealthCheckResponse_SERVING)
		return
	}
	h.failures++
	if h.failures == h.threshold {
		h.log.WithField("failures", h.failures).Error("reconciliation unhealthy")
		h.srv.SetServingStatus(ReconcileService, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Healthy reports whether the reconcile service is serving.
func (h *Health) Healthy() bool {
	res, err := h.srv.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ReconcileService})
	return err == nil && res.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// Serve runs a gRPC server with only the health service until ctx ends.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h.srv)
	go func() {
		<-ctx.Done()
		h.srv.Shutdown()
		gs.GracefulStop()
	}()
	h.log.WithField("addr", addr).Info("grpc health listening")
	return gs.Serve(lis)
}
