package balancer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// PortStats is the balancer's view of one registered port. Only the
// fields used for eviction decisions are decoded.
type PortStats struct {
	ActiveConnections int `json:"active_connections"`
}

// statsResponse is the JSON document served at the stats path:
//
//	{"current_time": "...", "port_statistics": {"8001": {"active_connections": 2, ...}}}
type statsResponse struct {
	PortStatistics map[string]json.RawMessage `json:"port_statistics"`
}

// Stats fetches per-port statistics. Ports whose entry cannot be decoded
// are skipped.
func (r *Registrar) Stats(ctx context.Context) (map[int]PortStats, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.endpoint(r.cfg.StatsPath), nil)
	if err != nil {
		return nil, fmt.Errorf("build stats request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch balancer stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch balancer stats: status %d", resp.StatusCode)
	}

	var raw statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode balancer stats: %w", err)
	}
	if raw.PortStatistics == nil {
		return nil, fmt.Errorf("decode balancer stats: missing port_statistics")
	}

	out := make(map[int]PortStats, len(raw.PortStatistics))
	for key, msg := range raw.PortStatistics {
		port, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		var s PortStats
		if err := json.Unmarshal(msg, &s); err != nil {
			continue
		}
		out[port] = s
	}
	return out, nil
}
