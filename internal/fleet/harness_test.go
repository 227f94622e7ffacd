package fleet

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/fleetctl/internal/balancer"
	"github.com/shinji-kodama/fleetctl/internal/docker/dockertest"
	"github.com/shinji-kodama/fleetctl/internal/metrics"
	"github.com/shinji-kodama/fleetctl/internal/model"
	"github.com/shinji-kodama/fleetctl/internal/port"
	"github.com/shinji-kodama/fleetctl/internal/retry"
	"github.com/shinji-kodama/fleetctl/internal/worker"
)

// fakeBalancer is an httptest stand-in for the load balancer's port
// registration API.
type fakeBalancer struct {
	mu         sync.Mutex
	registered map[int]bool
	rejects    map[string]bool // path -> answer 500
	conns      map[int]int
	calls      map[string]int
}

func (b *fakeBalancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[r.URL.Path]++

	if r.URL.Path == "/status/port_stats" {
		stats := map[string]map[string]int{}
		for p, n := range b.conns {
			stats[strconv.Itoa(p)] = map[string]int{"active_connections": n}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"port_statistics": stats})
		return
	}

	if b.rejects[r.URL.Path] {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	p, err := strconv.Atoi(form.Get("port"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch r.URL.Path {
	case "/register_port":
		b.registered[p] = true
	case "/deregister_port":
		delete(b.registered, p)
	default:
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Registered returns the registered ports in ascending order.
func (b *fakeBalancer) Registered() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []int{}
	for p := range b.registered {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (b *fakeBalancer) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

func (b *fakeBalancer) Reject(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[path] = true
}

func (b *fakeBalancer) SetConns(p, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[p] = n
}

type harness struct {
	rt           *dockertest.Runtime
	lb           *fakeBalancer
	reservations *port.MemoryReservations
	metrics      *metrics.Recorder
	scaler       *Scaler
}

type harnessOption func(*Config)

func withRange(start, end int) func(*model.PortRange) {
	return func(r *model.PortRange) { r.Start, r.End = start, end }
}

// newHarness wires a Scaler over the in-memory runtime, the real worker
// lifecycle (runtime readiness only) and the real registrar pointed at a
// fake balancer.
func newHarness(t *testing.T, rng func(*model.PortRange), opts ...harnessOption) *harness {
	t.Helper()

	r := model.PortRange{Start: 8001, End: 8010}
	if rng != nil {
		rng(&r)
	}
	cfg := Config{
		Prefix:        "worker",
		Parallelism:   1,
		ReadyTimeout:  500 * time.Millisecond,
		LaunchTimeout: time.Second,
		RemoveTimeout: time.Second,
		MaxBatch:      r.Size(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	lb := &fakeBalancer{
		registered: map[int]bool{},
		rejects:    map[string]bool{},
		conns:      map[int]int{},
		calls:      map[string]int{},
	}
	srv := httptest.NewServer(lb)
	t.Cleanup(srv.Close)

	reg, err := balancer.NewRegistrar(balancer.Config{
		URL:            srv.URL,
		RegisterPath:   "/register_port",
		DeregisterPath: "/deregister_port",
		StatsPath:      "/status/port_stats",
		Timeout:        time.Second,
		Attempts:       1,
	}, nil, nil)
	require.NoError(t, err)

	rt := dockertest.New()
	lc := worker.New(rt, worker.Config{
		Image:  "worker:latest",
		Prefix: cfg.Prefix,
		Poll:   retry.Config{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2},
	}, nil, nil)

	res := port.NewMemoryReservations()
	alloc := port.NewAllocator(rt, cfg.Prefix, r, res, nil)
	m := metrics.New()

	return &harness{
		rt:           rt,
		lb:           lb,
		reservations: res,
		metrics:      m,
		scaler:       New(cfg, rt, alloc, lc, reg, WithStats(reg), WithMetrics(m)),
	}
}

func ports(workers []*model.ManagedWorker) []int {
	out := make([]int, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Port)
	}
	return out
}
