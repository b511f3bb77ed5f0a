// ABOUTME: Tests for Gateway construction, Run/Shutdown lifecycle, and the gRPC health service
// ABOUTME: Runs real listeners on free ports with the simulated worker runtime

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/scheduler"
	"github.com/2389/fleet-gateway/internal/store"
)

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig creates a config with fast simulated agents and available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() failed: %v", err)
	}
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Pool.MinAgents = 0
	cfg.Autoscale.Enabled = false
	cfg.Dispatch.Interval = 20 * time.Millisecond
	cfg.Dispatch.CancelTimeout = time.Second
	cfg.Runtime.LaunchDelay = 0
	cfg.Runtime.ExecutionTime = time.Hour
	cfg.Telemetry.SampleInterval = 50 * time.Millisecond
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runGateway starts gw in the background and waits for /health to answer.
func runGateway(t *testing.T, gw *Gateway) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
		close(errCh)
	}()

	url := "http://" + gw.config.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond, "gateway did not start")

	t.Cleanup(func() {
		cancelFn()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
		}
	})
	return cancelFn, errCh
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.scheduler == nil {
		t.Error("scheduler should not be nil")
	}
	if gw.history == nil {
		t.Error("history store should not be nil")
	}
	if _, ok := gw.history.(*store.MockStore); !ok {
		t.Errorf("history store = %T, want *store.MockStore when database.path is empty", gw.history)
	}
	if gw.ingress != nil {
		t.Error("ingress should be nil when disabled")
	}
	if gw.redisSink != nil {
		t.Error("redis sink should be nil when disabled")
	}
}

func TestGatewayNew_SQLiteHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "history.db")

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if _, ok := gw.history.(*store.SQLiteStore); !ok {
		t.Errorf("history store = %T, want *store.SQLiteStore", gw.history)
	}
}

func TestGatewayNew_SeedsDurationsFromHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "history.db")

	h, err := store.NewSQLiteStore(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() failed: %v", err)
	}
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"r1", "r2"} {
		started := base.Add(time.Duration(i) * time.Minute)
		completed := started.Add(2 * time.Minute)
		if err := h.SaveArchived(context.Background(), scheduler.ArchivedRequest{
			ID:            id,
			Capability:    "chromium",
			Priority:      scheduler.PriorityNormal,
			Status:        scheduler.RequestCompleted,
			Timing:        scheduler.Timing{QueuedAt: started, StartedAt: &started, CompletedAt: &completed},
			ExecutionTime: 2 * time.Minute,
		}); err != nil {
			t.Fatalf("SaveArchived() failed: %v", err)
		}
	}
	h.Close()

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	before := time.Now()
	res, err := gw.scheduler.Submit(scheduler.SubmitRequest{Capability: "chromium"})
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	// Position 1 with a two minute average, not the 30s default estimate.
	if eta := res.EstimatedStartTime.Sub(before); eta < 90*time.Second {
		t.Errorf("estimated start in %v, want about 2m from seeded history", eta)
	}
}

func TestGatewayRunAndShutdown(t *testing.T) {
	gw, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	cancel, done := runGateway(t, gw)
	cancel()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestReadyEndpoint_NoAgents(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runGateway(t, gw)

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want %d (no agents)", resp.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestGRPCHealth_FollowsPoolReadiness(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.MinAgents = 1
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runGateway(t, gw)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to dial gRPC: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: SchedulerService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond, "health service never reported SERVING")
}

func TestGatewayEndToEnd_SubmitCompletes(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.MinAgents = 1
	cfg.Runtime.ExecutionTime = 10 * time.Millisecond
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runGateway(t, gw)
	base := "http://" + cfg.Server.HTTPAddr

	body, _ := json.Marshal(map[string]any{
		"name":       "smoke",
		"capability": "chromium",
		"priority":   "high",
		"metadata":   map[string]string{"url": "https://example.com"},
	})
	resp, err := http.Post(base+"/api/requests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	var submitted SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decoding submit response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/requests/" + submitted.ID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var view scheduler.RequestView
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return false
		}
		return view.Status == scheduler.RequestCompleted
	}, 5*time.Second, 20*time.Millisecond, "request never completed")

	require.Eventually(t, func() bool {
		rec, err := gw.history.GetArchived(context.Background(), submitted.ID)
		return err == nil && rec.Status == scheduler.RequestCompleted
	}, 2*time.Second, 20*time.Millisecond, "completed request was not persisted")
}

func TestGatewayShutdown_CancelsQueuedRequests(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dispatch.CreateOnDemand = false
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	res, err := gw.scheduler.Submit(scheduler.SubmitRequest{Capability: "chromium"})
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	rec, err := gw.history.GetArchived(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("GetArchived() failed: %v", err)
	}
	if rec.Status != scheduler.RequestCancelled || rec.Reason != scheduler.ReasonShutdown {
		t.Errorf("archived as %s/%s, want CANCELLED/shutdown", rec.Status, rec.Reason)
	}

	// A second Shutdown is a no-op.
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() failed: %v", err)
	}
}

func TestGatewayShutdown_WhileRunningStopsScheduling(t *testing.T) {
	cfg := testConfig(t)
	cfg.Pool.MinAgents = 1
	cfg.Autoscale.Enabled = true
	cfg.Autoscale.Interval = 20 * time.Millisecond
	cfg.Autoscale.Cooldown = 0
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	runGateway(t, gw)

	require.Eventually(t, gw.scheduler.Ready, 5*time.Second, 20*time.Millisecond)
	if err := gw.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	// Several autoscale and dispatch ticks.
	time.Sleep(150 * time.Millisecond)

	if _, err := gw.scheduler.Submit(scheduler.SubmitRequest{Capability: "chromium"}); !errors.Is(err, scheduler.ErrShuttingDown) {
		t.Errorf("Submit() after shutdown = %v, want ErrShuttingDown", err)
	}
	for _, a := range gw.scheduler.PoolSnapshot() {
		if a.Status != scheduler.AgentOffline {
			t.Errorf("agent %s is %s after shutdown, want OFFLINE", a.ID, a.Status)
		}
	}
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	if _, err := resolveTailscaleAuthKey(""); err == nil {
		t.Error("expected error without a configured or environment auth key")
	}

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := resolveTailscaleAuthKey("")
	if err != nil || key != "tskey-env" {
		t.Errorf("resolveTailscaleAuthKey() = %q, %v; want env key", key, err)
	}

	key, err = resolveTailscaleAuthKey("tskey-config")
	if err != nil || key != "tskey-config" {
		t.Errorf("resolveTailscaleAuthKey() = %q, %v; want configured key", key, err)
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/fleet")
	if err != nil || dir != "/var/lib/fleet" {
		t.Errorf("resolveTailscaleStateDir() = %q, %v; want configured dir", dir, err)
	}

	dir, err = resolveTailscaleStateDir("")
	if err != nil {
		t.Fatalf("resolveTailscaleStateDir() failed: %v", err)
	}
	if filepath.Base(filepath.Dir(dir)) != "fleet-gateway" {
		t.Errorf("default state dir = %q, want .../fleet-gateway/tailscale", dir)
	}
}
