package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordQueueAction(t *testing.T) {
	before := QueueActionCount("serve", "ok")
	RecordQueueAction("serve", "ok")
	RecordQueueAction("serve", "ok")
	assert.Equal(t, before+2, QueueActionCount("serve", "ok"))
	assert.Equal(t, before+2, testutil.ToFloat64(queueActionsTotal.WithLabelValues("serve", "ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordHTTPRequest(http.MethodGet, http.StatusOK, 10*time.Millisecond)
	RecordNotification("duplicate")

	server := httptest.NewServer(Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `qms_http_requests_total{method="GET",status_code="200"}`))
	assert.True(t, strings.Contains(text, `qms_bus_notifications_total{outcome="duplicate"}`))
}
