package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Received("announce")
	m.Dropped(DropMalformed)
	m.SetPeers(3)
	m.MessageSent()
	m.MessageDelivered()
	m.Join("ok")
	m.SetEpoch(2)
}

func TestCounters(t *testing.T) {
	m := New()
	m.Dropped(DropMalformed)
	m.Dropped(DropMalformed)
	m.Dropped(DropDuplicate)
	m.SetPeers(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.packetsDropped.WithLabelValues(DropMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.packetsDropped.WithLabelValues(DropDuplicate)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.peersLive))
}

func TestHandler(t *testing.T) {
	m := New()
	m.MessageSent()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "huddle_messages_sent_total 1"))
}
