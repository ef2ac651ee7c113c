package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestGlobal(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() should return the same instance")
	}
}

func TestHandler(t *testing.T) {
	body := scrape(t, Handler())
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected go_goroutines metric")
	}
	if !strings.Contains(body, "process_") {
		t.Error("expected process metrics")
	}
}

func TestEngineMetrics(t *testing.T) {
	r := NewRegistry()

	r.FilesStored.Inc()
	r.FilesStored.Inc()
	r.ShardsPlaced.WithLabelValues("peer").Add(3)
	r.ShardsPlaced.WithLabelValues("dht").Inc()
	r.RecordFileOp("store", "ok", 0.02)
	r.PolicyDegraded.Inc()

	body := scrape(t, r.Handler())
	for _, want := range []string{
		"shardmesh_files_stored_total 2",
		`shardmesh_shards_placed_total{tier="peer"} 3`,
		`shardmesh_shards_placed_total{tier="dht"} 1`,
		`shardmesh_file_operations_total{op="store",result="ok"} 1`,
		"shardmesh_file_operation_duration_seconds_count",
		"shardmesh_policy_degraded_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s", want)
		}
	}
}

func TestRequestMetrics(t *testing.T) {
	r := NewRegistry()
	r.RecordRequest("GET", "/v1/files/{address}", "200", 0.005)
	r.RecordRequest("POST", "/v1/files", "201", 0.010)

	body := scrape(t, r.Handler())
	if !strings.Contains(body, `shardmesh_requests_total{method="GET",route="/v1/files/{address}",status="200"} 1`) {
		t.Error("expected GET request counter")
	}
	if !strings.Contains(body, "shardmesh_request_duration_seconds_bucket") {
		t.Error("expected request duration histogram")
	}
}

func TestSetPeers(t *testing.T) {
	r := NewRegistry()
	r.SetPeers(map[string]int{"reachable": 4, "stale": 1})
	r.SetPeers(map[string]int{"reachable": 2})

	body := scrape(t, r.Handler())
	if !strings.Contains(body, `shardmesh_peers{state="reachable"} 2`) {
		t.Error("expected reachable gauge of 2")
	}
	if strings.Contains(body, `shardmesh_peers{state="stale"}`) {
		t.Error("stale gauge should be reset")
	}
}

func TestAllocationCollector(t *testing.T) {
	r := NewRegistry()
	samples := []AllocationSample{{Tier: "local", Allocated: 1000, Used: 250}}
	if err := r.Register(NewAllocationCollector(func() []AllocationSample { return samples })); err != nil {
		t.Fatalf("Register: %v", err)
	}

	body := scrape(t, r.Handler())
	if !strings.Contains(body, `shardmesh_allocation_bytes{tier="local"} 1000`) {
		t.Error("expected allocation gauge")
	}
	if !strings.Contains(body, `shardmesh_allocation_used_bytes{tier="local"} 250`) {
		t.Error("expected used gauge")
	}
}
