// Copyright (c) 2025 The Hearth developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopMetrics(t *testing.T) {
	server := httptest.NewServer(HTTPHandler())
	t.Cleanup(server.Close)

	// meters are usable before any implementation is installed
	Counter("noop_count").Add(1)
	CounterVec("noop_count_vec", []string{"a"}).AddWithLabel(1, map[string]string{"a": "b"})
	Gauge("noop_gauge").Set(42)
	Histogram("noop_hist", Bucket2s).Observe(7)

	lazy := LazyLoad(func() CountMeter { return Counter("noop_lazy") })
	lazy().Add(1)

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
