package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeComponent struct {
	err   error
	delay time.Duration
}

func (f *fakeComponent) HealthCheck(ctx context.Context) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestProbeCheckerHealthy(t *testing.T) {
	checker := NewStoreChecker("store", &fakeComponent{})

	res := checker.Check(context.Background())
	if res.Status != StatusHealthy {
		t.Fatalf("status = %s, want %s", res.Status, StatusHealthy)
	}
	if res.Name != "store" {
		t.Fatalf("name = %q, want %q", res.Name, "store")
	}
}

func TestProbeCheckerUnhealthy(t *testing.T) {
	checker := NewStoreChecker("store", &fakeComponent{err: errors.New("connection refused")})

	res := checker.Check(context.Background())
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want %s", res.Status, StatusUnhealthy)
	}
	if !strings.Contains(res.Error, "connection refused") {
		t.Fatalf("error = %q, want connection refused", res.Error)
	}
}

func TestProbeCheckerTimesOut(t *testing.T) {
	checker := NewProbeChecker("slow", &fakeComponent{delay: time.Second}, 20*time.Millisecond)

	res := checker.Check(context.Background())
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want %s", res.Status, StatusUnhealthy)
	}
}

func TestRegistryAggregatesWorstStatus(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewStoreChecker("store", &fakeComponent{}))
	reg.Register(NewQueueRegistryChecker("queues", &fakeComponent{err: errors.New("down")}))

	summary := reg.Check(context.Background())
	if summary.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want %s", summary.Status, StatusUnhealthy)
	}
	if len(summary.Checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(summary.Checks))
	}
	if summary.IsHealthy() {
		t.Fatal("IsHealthy() = true for unhealthy summary")
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewLivenessChecker("liveness"))
	reg.Register(NewLockProviderChecker("locks", &fakeComponent{}))

	summary := reg.Check(context.Background())
	if !summary.IsHealthy() {
		t.Fatalf("status = %s, want %s", summary.Status, StatusHealthy)
	}
}

func TestRegistryDegradedDoesNotMaskUnhealthy(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("degraded", func(ctx context.Context) Result {
		return Result{Name: "degraded", Status: StatusDegraded}
	})
	reg.RegisterFunc("broken", func(ctx context.Context) Result {
		return Result{Name: "broken", Status: StatusUnhealthy}
	})

	summary := reg.Check(context.Background())
	if summary.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want %s", summary.Status, StatusUnhealthy)
	}
}

func TestRegistryCheckOne(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewStoreChecker("store", &fakeComponent{}))

	res, err := reg.CheckOne(context.Background(), "store")
	if err != nil {
		t.Fatalf("CheckOne() error = %v", err)
	}
	if res.Status != StatusHealthy {
		t.Fatalf("status = %s, want %s", res.Status, StatusHealthy)
	}

	if _, err := reg.CheckOne(context.Background(), "missing"); err == nil {
		t.Fatal("CheckOne() on unknown probe succeeded")
	}
}

func TestRegistryUnregister(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewLivenessChecker("liveness"))
	reg.Unregister("liveness")

	if names := reg.List(); len(names) != 0 {
		t.Fatalf("List() = %v, want empty", names)
	}
}
