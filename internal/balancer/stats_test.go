package balancer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrar_Stats(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    map[int]PortStats
		wantErr string
	}{
		{
			name:   "balancer document",
			status: http.StatusOK,
			body: `{"current_time":"Mon, 02 Mar 2026 10:00:00 GMT","port_statistics":{
				"8001":{"active_connections":3,"current_score":"0.5","score_components":{"time_score":"1"}},
				"8002":{"active_connections":0,"current_score":"0.1"}}}`,
			want: map[int]PortStats{8001: {ActiveConnections: 3}, 8002: {ActiveConnections: 0}},
		},
		{
			name:   "malformed entries skipped",
			status: http.StatusOK,
			body:   `{"port_statistics":{"abc":{"active_connections":1},"8003":{"active_connections":"many"},"8004":{"active_connections":7}}}`,
			want:   map[int]PortStats{8004: {ActiveConnections: 7}},
		},
		{name: "missing field", status: http.StatusOK, body: `{}`, wantErr: "missing port_statistics"},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: "decode"},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantErr: "status 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/status/port_stats", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			got, err := newTestRegistrar(t, srv.URL, 1).Stats(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
