package fieldsync

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewMetricsCollectorWithRegistry(registry)

	if collector == nil {
		t.Fatal("NewMetricsCollectorWithRegistry() returned nil")
	}
	if collector.requestsTotal == nil {
		t.Error("requestsTotal metric not initialized")
	}
	if collector.throttleDelay == nil {
		t.Error("throttleDelay metric not initialized")
	}
	if collector.cacheFallbacks == nil {
		t.Error("cacheFallbacks metric not initialized")
	}
	if collector.syncRuns == nil {
		t.Error("syncRuns metric not initialized")
	}
	if collector.GetRegistry() != registry {
		t.Error("GetRegistry() did not return the registry")
	}
}

func TestMetricsCollectorRecords(t *testing.T) {
	registry := prometheus.NewRegistry()
	mc := NewMetricsCollectorWithRegistry(registry)

	mc.RecordRequest("GET", "/audits", 200, 150*time.Millisecond)
	mc.RecordRequest("GET", "/audits", 200, 50*time.Millisecond)
	mc.RecordRetry("GET", "/audits", ErrorTypeServiceUnavailable)
	mc.RecordCacheHit("/templates", "durable")
	mc.RecordCacheMiss("/templates")
	mc.RecordCacheFallback("/dashboard", true)
	mc.RecordDeduplicationHit("/dashboard")
	mc.RecordStorageError("cache_write")
	mc.RecordSyncRun("complete")
	mc.RecordSyncItems("queue", "synced", 3)
	mc.RecordSyncItems("queue", "failed", 0)
	mc.RecordQueueDepth("sync_queue", 7)
	mc.RecordCacheSize(12)

	if got := testutil.ToFloat64(mc.requestsTotal.WithLabelValues("GET", "200", "/audits")); got != 2 {
		t.Errorf("requests_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(mc.retriesTotal.WithLabelValues("GET", "/audits", ErrorTypeServiceUnavailable)); got != 1 {
		t.Errorf("retries_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(mc.cacheHits.WithLabelValues("/templates", "durable")); got != 1 {
		t.Errorf("cache_hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(mc.cacheFallbacks.WithLabelValues("/dashboard", "true")); got != 1 {
		t.Errorf("cache_fallbacks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(mc.syncItems.WithLabelValues("queue", "synced")); got != 3 {
		t.Errorf("sync_items = %v, want 3", got)
	}
	if got := testutil.ToFloat64(mc.queueDepth.WithLabelValues("sync_queue")); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(mc.cacheSize); got != 12 {
		t.Errorf("cache size = %v, want 12", got)
	}
	if n := testutil.CollectAndCount(mc.syncItems); n != 1 {
		t.Errorf("zero-valued sync item add created a series: %d series", n)
	}
}

func TestNilMetricsCollectorIsSafe(t *testing.T) {
	var mc *MetricsCollector

	mc.RecordRequest("GET", "/audits", 200, time.Second)
	mc.RecordRequestStart("GET", "/audits")
	mc.RecordRequestEnd("GET", "/audits")
	mc.RecordRetry("GET", "/audits", ErrorTypeNetwork)
	mc.RecordThrottleDelay("/audits", time.Second)
	mc.RecordCacheHit("/audits", "memory")
	mc.RecordCacheMiss("/audits")
	mc.RecordCacheFallback("/audits", false)
	mc.RecordCacheSize(1)
	mc.RecordDeduplicationHit("/audits")
	mc.RecordStorageError("cache_read")
	mc.RecordError(ErrorTypeClient, "GET", "/audits")
	mc.RecordSyncRun("complete")
	mc.RecordSyncItems("entities", "synced", 1)
	mc.RecordQueueDepth("sync_queue", 1)

	if mc.GetRegistry() != nil {
		t.Error("nil collector returned a registry")
	}
}

func TestBuildInfoMetric(t *testing.T) {
	registry := prometheus.NewRegistry()
	NewMetricsCollectorWithRegistry(registry)

	families, err := registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "fieldsync_build_info" {
			continue
		}
		for _, lp := range mf.GetMetric()[0].GetLabel() {
			if lp.GetName() == "version" && lp.GetValue() == Version {
				return
			}
		}
		t.Fatalf("build info labels = %v", mf.GetMetric()[0].GetLabel())
	}
	t.Fatal("fieldsync_build_info not registered")
}
