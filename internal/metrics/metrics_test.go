package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collectors) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorsCount(t *testing.T) {
	c := New()

	c.ItemCompleted("emulator-5554", true, 3*time.Second)
	c.ItemCompleted("emulator-5554", false, time.Second)
	c.ItemRequeued("push_failed")
	c.ItemRequeued("push_failed")
	c.ItemSkipped()
	c.ChannelFailure("fatal")
	c.ChannelReset(true)
	c.DeviceRestarted("emulator-5556", false)
	c.GlobalRecovery()
	c.Backlog(7, 2)

	body := scrape(t, c)
	assert.Contains(t, body, `devfleet_items_completed_total{device="emulator-5554",success="true"} 1`)
	assert.Contains(t, body, `devfleet_items_requeued_total{reason="push_failed"} 2`)
	assert.Contains(t, body, "devfleet_items_skipped_total 1")
	assert.Contains(t, body, `devfleet_channel_failures_total{class="fatal"} 1`)
	assert.Contains(t, body, `devfleet_channel_resets_total{ok="true"} 1`)
	assert.Contains(t, body, `devfleet_device_restarts_total{device="emulator-5556",ok="false"} 1`)
	assert.Contains(t, body, "devfleet_global_recoveries_total 1")
	assert.Contains(t, body, "devfleet_queue_depth 7")
	assert.Contains(t, body, "devfleet_items_in_flight 2")
	assert.Contains(t, body, `devfleet_item_duration_seconds_count{device="emulator-5554"} 2`)
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ItemSkipped()

	assert.Contains(t, scrape(t, a), "devfleet_items_skipped_total 1")
	assert.Contains(t, scrape(t, b), "devfleet_items_skipped_total 0")
}
