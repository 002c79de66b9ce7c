package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	t.Run("Counts commands by outcome", func(t *testing.T) {
		c := NewCollector()
		c.CommandCompleted("AT%MGRT", "ok", 20*time.Millisecond)
		c.CommandCompleted("AT%MGRT", "ok", 30*time.Millisecond)
		c.CommandCompleted("AT%MGRT", "error", 10*time.Millisecond)

		if got := testutil.ToFloat64(c.commandsTotal.WithLabelValues("AT%MGRT", "ok")); got != 2 {
			t.Errorf("expected 2 ok commands, got %v", got)
		}
		if got := testutil.ToFloat64(c.commandsTotal.WithLabelValues("AT%MGRT", "error")); got != 1 {
			t.Errorf("expected 1 failed command, got %v", got)
		}
		if n := testutil.CollectAndCount(c.commandDuration); n != 1 {
			t.Errorf("expected one duration series, got %d", n)
		}
	})

	t.Run("Tracks retries, unsolicited lines and queues", func(t *testing.T) {
		c := NewCollector()
		c.IntegrityRetry("AT")
		c.Unsolicited(true)
		c.Unsolicited(false)
		c.Unsolicited(false)
		c.QueueDepth("mo", 3)
		c.QueueDepth("mo", 1)
		c.SlotWait(time.Millisecond)

		if got := testutil.ToFloat64(c.retriesTotal.WithLabelValues("AT")); got != 1 {
			t.Errorf("expected 1 retry, got %v", got)
		}
		if got := testutil.ToFloat64(c.unsolicitedTotal.WithLabelValues("data")); got != 2 {
			t.Errorf("expected 2 data lines, got %v", got)
		}
		if got := testutil.ToFloat64(c.queueDepth.WithLabelValues("mo")); got != 1 {
			t.Errorf("expected gauge to hold the last value, got %v", got)
		}
	})

	t.Run("Handler exposes the registry", func(t *testing.T) {
		c := NewCollector()
		c.QueueDepth("mt", 2)

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body := rec.Body.String()
		if !strings.Contains(body, `idp_queue_messages{queue="mt"} 2`) {
			t.Errorf("expected queue gauge in exposition, got:\n%s", body)
		}
		if !strings.Contains(body, "go_goroutines") {
			t.Error("expected runtime metrics in exposition")
		}
	})
}
