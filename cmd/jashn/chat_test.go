package main

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/jashn/internal/metrics"
)

func TestMetricsSummary(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)
	m.Reconnect()
	m.Reconnect()
	m.PageLoad("history", "ok")
	m.PageLoad("search", "ok")
	m.PageLoad("history", "error")

	fields, err := metricsSummary(reg)
	require.NoError(t, err)
	require.Equal(t, 2.0, fields["jashn_channel_reconnects_total"])
	require.Equal(t, 3.0, fields["jashn_log_page_loads_total"])
	require.Equal(t, 0.0, fields["jashn_log_live_messages_total"])
}

func TestMetricsServerExposesClientCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.NewClient(reg).Reconnect()

	srv, addr, err := startMetricsServer("127.0.0.1:0", reg)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "jashn_channel_reconnects_total 1"), string(body))
}
