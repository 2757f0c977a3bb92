package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/conveyor/internal/cluster"
	"github.com/dreamware/conveyor/internal/config"
	"github.com/dreamware/conveyor/internal/plugins"
	"github.com/dreamware/conveyor/internal/worker"
)

func newTestWorker(t *testing.T, endpoints ...string) *worker.Worker {
	t.Helper()
	client, err := cluster.NewClient(endpoints...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return worker.New(worker.Config{
		ID:                "test-node",
		Addr:              "http://localhost:8081",
		HeartbeatInterval: 500 * time.Millisecond,
		SessionTimeout:    2 * time.Second,
	}, client, plugins.Builtin(), zap.NewNop())
}

// TestJoin tests the first heartbeat against coordinators in various states
func TestJoin(t *testing.T) {
	tests := []struct {
		name         string
		serverStatus int
		failures     int32
		expectErr    bool
		minCalls     int32
	}{
		{
			name:         "joins on first try",
			serverStatus: http.StatusOK,
			minCalls:     1,
		},
		{
			name:         "joins after coordinator starts answering",
			serverStatus: http.StatusOK,
			failures:     2,
			minCalls:     3,
		},
		{
			name:         "rejected heartbeat is not retried",
			serverStatus: http.StatusBadRequest,
			expectErr:    true,
			minCalls:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/cluster/heartbeat" {
					t.Errorf("Expected /cluster/heartbeat path, got %s", r.URL.Path)
				}
				var req cluster.HeartbeatRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("Failed to decode request body: %v", err)
				}
				if req.Node.ID != "test-node" {
					t.Errorf("Expected node ID 'test-node', got %s", req.Node.ID)
				}

				if calls.Add(1) <= tt.failures {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				if tt.serverStatus != http.StatusOK {
					w.WriteHeader(tt.serverStatus)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(cluster.HeartbeatResponse{Phase: cluster.PhaseStable, Tasks: []cluster.AssignedTask{}})
			}))
			defer server.Close()

			err := join(context.Background(), newTestWorker(t, server.URL), zap.NewNop())
			if tt.expectErr && err == nil {
				t.Error("Expected join to fail")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected join error: %v", err)
			}
			if calls.Load() < tt.minCalls {
				t.Errorf("Expected at least %d heartbeats, got %d", tt.minCalls, calls.Load())
			}
		})
	}
}

// TestJoinGivesUp tests that an unreachable cluster stops the node
func TestJoinGivesUp(t *testing.T) {
	old := joinTimeout
	joinTimeout = 500 * time.Millisecond
	defer func() { joinTimeout = old }()

	start := time.Now()
	err := join(context.Background(), newTestWorker(t, "http://127.0.0.1:1"), zap.NewNop())
	if err == nil {
		t.Fatal("Expected join to fail for an unreachable coordinator")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("join took %v", elapsed)
	}
}

// TestRootCommandFlags tests that flags reach the node configuration
func TestRootCommandFlags(t *testing.T) {
	chdir(t, t.TempDir())
	cmd := newRootCommand()
	if err := cmd.ParseFlags([]string{
		"--id", "n7",
		"--listen", ":9999",
		"--addr", "http://n7:9999",
		"--coordinators", "http://a:8080/,http://b:8080",
		"--heartbeat-interval", "1s",
	}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}

	cfg, err := config.LoadNode("", cmd.Flags())
	if err != nil {
		t.Fatalf("LoadNode: %v", err)
	}
	if cfg.ID != "n7" || cfg.Listen != ":9999" || cfg.Addr != "http://n7:9999" {
		t.Errorf("unexpected identity: %+v", cfg)
	}
	if len(cfg.Coordinators) != 2 || cfg.Coordinators[0] != "http://a:8080" {
		t.Errorf("unexpected coordinators: %v", cfg.Coordinators)
	}
	if cfg.HeartbeatInterval != time.Second {
		t.Errorf("Expected 1s heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
}

// TestRunStopsOnCancel tests the full node lifecycle against a fake
// coordinator
func TestRunStopsOnCancel(t *testing.T) {
	var heartbeats atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		heartbeats.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cluster.HeartbeatResponse{Phase: cluster.PhaseStable, Tasks: []cluster.AssignedTask{}})
	}))
	defer server.Close()

	cfg := &config.NodeConfig{
		ID:                "n1",
		Listen:            "127.0.0.1:0",
		Addr:              "http://127.0.0.1:0",
		Coordinators:      []string{server.URL},
		HeartbeatInterval: 50 * time.Millisecond,
		SessionTimeout:    time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	deadline := time.Now().Add(3 * time.Second)
	for heartbeats.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if heartbeats.Load() < 3 {
		t.Fatalf("Expected repeated heartbeats, got %d", heartbeats.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}
