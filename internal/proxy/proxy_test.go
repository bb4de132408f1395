package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/store"
)

type fakeRegistry struct {
	mu      sync.Mutex
	saved   map[string]*store.ProxyTarget
	counter int64
	rrErr   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{saved: make(map[string]*store.ProxyTarget)}
}

func (f *fakeRegistry) SaveProxyTarget(ctx context.Context, t *store.ProxyTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.saved[t.Name] = &cp
	return nil
}

func (f *fakeRegistry) ListProxyTargets(ctx context.Context) ([]*store.ProxyTarget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.ProxyTarget, 0, len(f.saved))
	for _, t := range f.saved {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRegistry) DeleteProxyTarget(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, name)
	return nil
}

func (f *fakeRegistry) NextRoundRobin(ctx context.Context, target string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rrErr != nil {
		return 0, f.rrErr
	}
	f.counter++
	return f.counter, nil
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTickClock() *tickClock {
	return &tickClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *tickClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *tickClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *tickClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var _ clock.Clock = (*tickClock)(nil)

func newTestManager(t *testing.T) (*Manager, *fakeRegistry, *tickClock, *events.Bus) {
	t.Helper()
	reg := newFakeRegistry()
	clk := newTickClock()
	bus := events.New()
	m := NewManager(reg, bus, logging.New(true), clk)
	return m, reg, clk, bus
}

// countingBackend is an httptest server that counts the requests it serves.
type countingBackend struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func newCountingBackend(t *testing.T, status int) *countingBackend {
	t.Helper()
	cb := &countingBackend{}
	cb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cb.hits.Add(1)
		w.WriteHeader(status)
		w.Write([]byte("ok"))
	}))
	t.Cleanup(cb.srv.Close)
	return cb
}

func specFor(t *testing.T, rawURL string) store.BackendSpec {
	t.Helper()
	host, portStr, err := net.SplitHostPort(trimScheme(rawURL))
	if err != nil {
		t.Fatalf("parse backend url %q: %v", rawURL, err)
	}
	port, _ := strconv.Atoi(portStr)
	return store.BackendSpec{Host: host, Port: port}
}

func trimScheme(u string) string {
	if len(u) > 7 && u[:7] == "http://" {
		return u[7:]
	}
	return u
}

func register(t *testing.T, m *Manager, cfg *store.ProxyTarget) {
	t.Helper()
	cfg.RetryDelay = 0.001
	if err := m.RegisterTarget(context.Background(), cfg); err != nil {
		t.Fatalf("RegisterTarget(%s): %v", cfg.Name, err)
	}
}

func doProxy(m *Manager, target, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://proxy.local"+path, nil)
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	m.Proxy(w, r, target, path)
	return w
}

func TestRoundRobinSpreadsEvenly(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	b := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL), specFor(t, b.srv.URL)},
	})

	for i := 0; i < 100; i++ {
		if w := doProxy(m, "api", "/", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}

	ah, bh := a.hits.Load(), b.hits.Load()
	if ah+bh != 100 {
		t.Fatalf("total hits = %d, want 100", ah+bh)
	}
	if ah < 48 || ah > 52 {
		t.Errorf("backend a hits = %d, want 50 +/- 2", ah)
	}
}

func TestRoundRobinFallsBackToLocalCounter(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	b := newCountingBackend(t, http.StatusOK)
	m, reg, _, _ := newTestManager(t)
	reg.rrErr = context.DeadlineExceeded
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL), specFor(t, b.srv.URL)},
	})

	for i := 0; i < 10; i++ {
		if w := doProxy(m, "api", "/", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	if a.hits.Load() != 5 || b.hits.Load() != 5 {
		t.Errorf("hits = %d/%d, want 5/5", a.hits.Load(), b.hits.Load())
	}
}

func TestUnknownTargetIs404(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if w := doProxy(m, "ghost", "/", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestNoHealthyBackendsIs503(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL)},
	})
	if err := m.SetMaintenance("api", "http://"+trimScheme(a.srv.URL), true); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}

	w := doProxy(m, "api", "/", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if a.hits.Load() != 0 {
		t.Errorf("backend hits = %d, want 0", a.hits.Load())
	}
}

func TestRetryFailsOverToHealthyBackend(t *testing.T) {
	dead := deadAddr(t)
	live := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:   "api",
		Policy: store.PolicyLeastConnections, // both idle: first in slice order
		Backends: []store.BackendSpec{
			specFor(t, "http://"+dead),
			specFor(t, live.srv.URL),
		},
	})

	w := doProxy(m, "api", "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after failover", w.Code)
	}
	if live.hits.Load() != 1 {
		t.Errorf("live backend hits = %d, want 1", live.hits.Load())
	}
}

func TestAllBackendsFailedIs502(t *testing.T) {
	dead := deadAddr(t)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:             "api",
		Policy:           store.PolicyRoundRobin,
		BreakerThreshold: 100, // out of the way for this test
		Backends:         []store.BackendSpec{specFor(t, "http://" + dead)},
	})

	w := doProxy(m, "api", "/", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

// deadAddr reserves an address with no listener behind it.
func deadAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestBreakerOpensAfterThresholdAndRecovers(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:             "api",
		Policy:           store.PolicyRoundRobin,
		BreakerThreshold: 3,
		BreakerTimeout:   1,
		Backends:         []store.BackendSpec{specFor(t, "http://" + addr)},
	})

	// Three connection failures trip the breaker.
	for i := 0; i < 3; i++ {
		if w := doProxy(m, "api", "/", nil); w.Code != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i, w.Code)
		}
	}

	// Bring the backend up on the same address; the open breaker must
	// still refuse without contacting it.
	var hits atomic.Int64
	l2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("relisten: %v", err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})}
	go srv.Serve(l2)
	t.Cleanup(func() { srv.Close() })

	w := doProxy(m, "api", "/", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("open breaker: status = %d, want 503", w.Code)
	}
	if hits.Load() != 0 {
		t.Fatalf("open breaker contacted backend %d times", hits.Load())
	}

	// After the breaker timeout the half-open trial goes through and
	// closes the breaker.
	time.Sleep(1100 * time.Millisecond)
	if w := doProxy(m, "api", "/", nil); w.Code != http.StatusOK {
		t.Fatalf("half-open trial: status = %d, want 200", w.Code)
	}
	if w := doProxy(m, "api", "/", nil); w.Code != http.StatusOK {
		t.Fatalf("closed breaker: status = %d, want 200", w.Code)
	}
	if hits.Load() != 2 {
		t.Errorf("backend hits = %d, want 2", hits.Load())
	}
}

func TestStickySessionsPinBackend(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	b := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:           "api",
		Policy:         store.PolicyRoundRobin,
		StickySessions: true,
		Backends:       []store.BackendSpec{specFor(t, a.srv.URL), specFor(t, b.srv.URL)},
	})

	withSession := func(r *http.Request) { r.Header.Set("X-Session-ID", "s1") }
	for i := 0; i < 6; i++ {
		if w := doProxy(m, "api", "/", withSession); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}

	ah, bh := a.hits.Load(), b.hits.Load()
	if ah != 6 && bh != 6 {
		t.Fatalf("hits = %d/%d, want all 6 on one backend", ah, bh)
	}

	// The pinned backend leaves the pool; the session moves.
	pinned := a
	other := b
	if bh == 6 {
		pinned, other = b, a
	}
	if err := m.SetMaintenance("api", "http://"+trimScheme(pinned.srv.URL), true); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}
	if w := doProxy(m, "api", "/", withSession); w.Code != http.StatusOK {
		t.Fatalf("after maintenance: status %d", w.Code)
	}
	if other.hits.Load() != 1 {
		t.Errorf("other backend hits = %d, want 1 after re-pin", other.hits.Load())
	}
}

func TestIPHashIsStablePerClient(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	b := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyIPHash,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL), specFor(t, b.srv.URL)},
	})

	fixIP := func(r *http.Request) { r.RemoteAddr = "203.0.113.7:40000" }
	for i := 0; i < 10; i++ {
		if w := doProxy(m, "api", "/", fixIP); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	ah, bh := a.hits.Load(), b.hits.Load()
	if ah != 10 && bh != 10 {
		t.Errorf("hits = %d/%d, want all 10 on one backend", ah, bh)
	}
}

func TestLeastConnectionsPrefersIdle(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	b := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyLeastConnections,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL), specFor(t, b.srv.URL)},
	})

	// Load the first backend with synthetic connections.
	m.mu.RLock()
	m.targets["api"].backends[0].connections.Add(5)
	m.mu.RUnlock()

	for i := 0; i < 3; i++ {
		if w := doProxy(m, "api", "/", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	if b.hits.Load() != 3 {
		t.Errorf("idle backend hits = %d, want 3", b.hits.Load())
	}
}

func TestWeightedFavorsHeavyBackend(t *testing.T) {
	heavy := &Backend{Host: "h", Port: 1, Weight: 9}
	light := &Backend{Host: "l", Port: 2, Weight: 1}
	picks := 0
	for i := 0; i < 1000; i++ {
		if weighted([]*Backend{light, heavy}) == heavy {
			picks++
		}
	}
	if picks < 800 {
		t.Errorf("heavy backend picked %d/1000, want ~900", picks)
	}
}

func TestHealthBasedPicksBestRatio(t *testing.T) {
	good := &Backend{Host: "g", Port: 1}
	bad := &Backend{Host: "b", Port: 2}
	good.successes.Add(9)
	good.failures.Add(1)
	bad.successes.Add(1)
	bad.failures.Add(9)

	if got := healthBased([]*Backend{bad, good}); got != good {
		t.Errorf("picked %s, want the high-ratio backend", got.Host)
	}
}

func TestMaxConnectionsExcludesBackend(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{{Host: specFor(t, a.srv.URL).Host, Port: specFor(t, a.srv.URL).Port, MaxConnections: 1}},
	})

	m.mu.RLock()
	m.targets["api"].backends[0].connections.Add(1)
	m.mu.RUnlock()

	w := doProxy(m, "api", "/", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the pool is saturated", w.Code)
	}
}

func TestForwardHeaderHygiene(t *testing.T) {
	var seen http.Header
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = r.Header.Clone()
		mu.Unlock()
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-App", "ok")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{specFor(t, srv.URL)},
	})

	w := doProxy(m, "api", "/echo", func(r *http.Request) {
		r.RemoteAddr = "10.9.8.7:40000"
		r.Header.Set("X-Forwarded-For", "1.2.3.4")
		r.Header.Set("Proxy-Connection", "keep-alive")
		r.Header.Set("X-Custom", "v")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := seen.Get("X-Real-IP"); got != "10.9.8.7" {
		t.Errorf("X-Real-IP = %q", got)
	}
	if got := seen.Get("X-Forwarded-For"); got != "1.2.3.4, 10.9.8.7" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := seen.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got)
	}
	if got := seen.Get("Proxy-Connection"); got != "" {
		t.Errorf("hop-by-hop header forwarded: %q", got)
	}
	if got := seen.Get("X-Custom"); got != "v" {
		t.Errorf("X-Custom = %q, want forwarded", got)
	}
	if got := w.Header().Get("Keep-Alive"); got != "" {
		t.Errorf("hop-by-hop response header kept: %q", got)
	}
	if got := w.Header().Get("X-App"); got != "ok" {
		t.Errorf("X-App = %q, want passed through", got)
	}
}

func TestProbeMarksUnhealthyAndRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m, _, clk, bus := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:                "api",
		Policy:              store.PolicyRoundRobin,
		HealthCheckInterval: 1,
		Backends:            []store.BackendSpec{specFor(t, srv.URL)},
	})

	ch, cancel := bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	m.probeDue(ctx)
	st, err := m.Target("api")
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if st.Backends[0].Status != BackendUnhealthy {
		t.Fatalf("status = %q, want unhealthy", st.Backends[0].Status)
	}
	select {
	case ev := <-ch:
		if ev.Type != events.SystemWarning {
			t.Errorf("event type = %q, want system warning", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("no warning event for unhealthy backend")
	}

	failing.Store(false)
	clk.Advance(2 * time.Second)
	m.probeDue(ctx)
	st, _ = m.Target("api")
	if st.Backends[0].Status != BackendHealthy {
		t.Errorf("status = %q, want healthy after recovery", st.Backends[0].Status)
	}
}

func TestProbeSkipsMaintenance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:                "api",
		Policy:              store.PolicyRoundRobin,
		HealthCheckInterval: 1,
		Backends:            []store.BackendSpec{specFor(t, srv.URL)},
	})
	if err := m.SetMaintenance("api", "http://"+trimScheme(srv.URL), true); err != nil {
		t.Fatalf("SetMaintenance: %v", err)
	}

	m.probeDue(context.Background())
	st, _ := m.Target("api")
	if st.Backends[0].Status != BackendMaintenance {
		t.Errorf("status = %q, want maintenance untouched by probes", st.Backends[0].Status)
	}
}

func TestRegisterTargetValidates(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	err := m.RegisterTarget(context.Background(), &store.ProxyTarget{
		Name:   "api",
		Policy: "fastest",
	})
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestAddRemoveBackend(t *testing.T) {
	m, reg, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{Name: "api", Policy: store.PolicyRoundRobin})

	if err := m.AddBackend(context.Background(), "api", store.BackendSpec{Host: "10.0.0.1", Port: 8080}); err != nil {
		t.Fatalf("AddBackend: %v", err)
	}
	st, _ := m.Target("api")
	if st.TotalBackends != 1 {
		t.Fatalf("backends = %d, want 1", st.TotalBackends)
	}
	if saved := reg.saved["api"]; saved == nil || len(saved.Backends) != 1 {
		t.Errorf("saved config = %+v, want 1 backend persisted", saved)
	}

	if err := m.RemoveBackend(context.Background(), "api", "10.0.0.1:8080"); err != nil {
		t.Fatalf("RemoveBackend: %v", err)
	}
	st, _ = m.Target("api")
	if st.TotalBackends != 0 {
		t.Errorf("backends = %d, want 0", st.TotalBackends)
	}

	if err := m.RemoveBackend(context.Background(), "api", "10.0.0.1:8080"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing backend err = %v, want not_found", err)
	}
	if err := m.AddBackend(context.Background(), "ghost", store.BackendSpec{Host: "x", Port: 1}); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing target err = %v, want not_found", err)
	}
}

func TestRehydrateRestoresTargets(t *testing.T) {
	reg := newFakeRegistry()
	reg.saved["api"] = &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{{Host: "10.0.0.1", Port: 80, Weight: 1, MaxConnections: 100}},
	}
	m := NewManager(reg, events.New(), logging.New(true), newTickClock())

	if err := m.Rehydrate(context.Background()); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	st, err := m.Target("api")
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if st.TotalBackends != 1 {
		t.Errorf("backends = %d, want 1", st.TotalBackends)
	}
}

func TestStatsAggregates(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL)},
	})

	for i := 0; i < 4; i++ {
		doProxy(m, "api", "/", nil)
	}
	doProxy(m, "ghost", "/", nil) // unknown target is not counted

	s := m.Stats()
	if s.TotalRequests != 4 {
		t.Errorf("requests = %d, want 4", s.TotalRequests)
	}
	if s.TotalErrors != 0 {
		t.Errorf("errors = %d, want 0", s.TotalErrors)
	}
	if s.ActiveTargets != 1 || s.TotalBackends != 1 || s.HealthyBackends != 1 {
		t.Errorf("stats = %+v", s)
	}
}

type recordedActivity struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordedActivity) RecordActivity(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, name)
}

func (r *recordedActivity) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestProxyRecordsActivity(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	m, _, _, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "app",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL)},
	})

	rec := &recordedActivity{}
	m.SetActivityRecorder(rec)

	doProxy(m, "app", "/", nil)
	doProxy(m, "ghost", "/", nil) // unknown targets are not activity

	if got := rec.names(); len(got) != 1 || got[0] != "app" {
		t.Errorf("recorded activity = %v, want [app]", got)
	}
}

func TestSampleReportsWindowRates(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	m, _, clk, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:     "api",
		Policy:   store.PolicyRoundRobin,
		Backends: []store.BackendSpec{specFor(t, a.srv.URL)},
	})

	// First call only establishes the baseline.
	if rate, _, _ := m.Sample(context.Background(), "api"); rate != 0 {
		t.Fatalf("first sample rate = %v, want 0", rate)
	}

	for i := 0; i < 30; i++ {
		if w := doProxy(m, "api", "/", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	clk.Advance(30 * time.Second)

	rate, _, errRate := m.Sample(context.Background(), "api")
	if rate != 1 {
		t.Errorf("request rate = %v, want 1 rps", rate)
	}
	if errRate != 0 {
		t.Errorf("error rate = %v, want 0", errRate)
	}

	// A quiet window reads as zero again.
	clk.Advance(30 * time.Second)
	if rate, _, _ := m.Sample(context.Background(), "api"); rate != 0 {
		t.Errorf("idle sample rate = %v, want 0", rate)
	}
}

func TestSampleCountsErrors(t *testing.T) {
	a := newCountingBackend(t, http.StatusOK)
	m, _, clk, _ := newTestManager(t)
	register(t, m, &store.ProxyTarget{
		Name:       "api",
		Policy:     store.PolicyRoundRobin,
		Backends:   []store.BackendSpec{specFor(t, a.srv.URL)},
		MaxRetries: 0,
	})
	m.Sample(context.Background(), "api")

	a.srv.Close()
	for i := 0; i < 4; i++ {
		doProxy(m, "api", "/", nil)
	}
	clk.Advance(10 * time.Second)

	_, _, errRate := m.Sample(context.Background(), "api")
	if errRate != 1 {
		t.Errorf("error rate = %v, want 1 with every request failing", errRate)
	}
}

func TestSampleUnknownTargetIsZero(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	rate, ms, errRate := m.Sample(context.Background(), "ghost")
	if rate != 0 || ms != 0 || errRate != 0 {
		t.Errorf("sample = %v/%v/%v, want zeros", rate, ms, errRate)
	}
}
