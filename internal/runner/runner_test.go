package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/erp/tools/markovgen/internal/behavior"
	"github.com/example/erp/tools/markovgen/internal/config"
	"github.com/example/erp/tools/markovgen/internal/graph"
	"github.com/example/erp/tools/markovgen/internal/loadctrl"
	"github.com/example/erp/tools/markovgen/internal/metrics"
)

// recordingExecutor records visited states and the peak number of
// concurrent executions. Cart requests fail with a 500.
type recordingExecutor struct {
	delay time.Duration

	mu      sync.Mutex
	visited []string

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (e *recordingExecutor) Execute(ctx context.Context, st *graph.State, _ Vars) *metrics.Request {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}

	e.mu.Lock()
	e.visited = append(e.visited, st.Name)
	e.mu.Unlock()

	if e.delay > 0 {
		sleep(ctx, e.delay)
	}
	status := 200
	if st.Name == "Cart" {
		status = 500
	}
	return &metrics.Request{State: st.Name, StatusCode: status}
}

func (e *recordingExecutor) states() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.visited...)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// shopConfig has states Home and Cart with Home -> Cart and Cart -> Home,
// and one behavior read from model.
func shopConfig(t *testing.T, model string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Name:     "shop",
		Duration: 300 * time.Millisecond,
		Seed:     7,
		States: []config.StateConfig{
			{Name: "Home", Request: &config.RequestConfig{URL: "/"}, Transitions: []config.TransitionConfig{{To: "Cart"}}},
			{Name: "Cart", Request: &config.RequestConfig{URL: "/cart"}, Transitions: []config.TransitionConfig{{To: "Home"}}},
		},
		BehaviorMix: []config.BehaviorConfig{
			{Name: "buyer", Frequency: 1, File: writeFile(t, dir, "buyer.csv", model)},
		},
		Sessions: config.SessionsConfig{Users: 2, StartRate: 50, StartBurst: 1},
	}
	require.NoError(t, cfg.Validate())
	cfg.ApplyDefaults()
	return cfg
}

const homeCartExit = ",Home,Cart,$\nHome*,0,1,0\nCart,0,0,1\n"

func TestBuildGraph(t *testing.T) {
	cfg := &config.Config{
		States: []config.StateConfig{
			{
				Name:        "Home",
				Request:     &config.RequestConfig{Method: "GET", URL: "/", Headers: map[string]string{"Accept": "text/html"}},
				Transitions: []config.TransitionConfig{{To: "Cart", Guard: "items > 0", Action: "items = 0"}},
			},
			{Name: "Cart", Transitions: []config.TransitionConfig{{To: "Home", Disabled: true}}},
		},
	}

	g, err := BuildGraph(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, g.Len())

	home, ok := g.StateByName("Home")
	require.True(t, ok)
	assert.Equal(t, &graph.Request{Method: "GET", URL: "/", Headers: map[string]string{"Accept": "text/html"}}, home.Request)
	require.Len(t, home.Transitions, 1)
	cart, _ := g.StateByName("Cart")
	assert.Equal(t, &graph.Transition{Destination: cart.ID, Guard: "items > 0", Action: "items = 0"}, home.Transitions[0])
	assert.Nil(t, cart.Request)
	assert.True(t, cart.Transitions[0].Disabled)
}

func TestBuildGraph_AutoTransitions(t *testing.T) {
	cfg := &config.Config{
		AutoTransitions: true,
		States: []config.StateConfig{
			{Name: "Home", Transitions: []config.TransitionConfig{{To: "Cart", Guard: "ok"}}},
			{Name: "Cart"},
		},
	}

	g, err := BuildGraph(cfg)
	require.NoError(t, err)

	home, _ := g.StateByName("Home")
	cart, _ := g.StateByName("Cart")
	require.Len(t, home.Transitions, 2)
	require.Len(t, cart.Transitions, 2)
	assert.Equal(t, home.ID, home.Transitions[0].Destination)
	assert.Equal(t, "ok", home.Transitions[1].Guard)
}

func TestBuildGraph_OpenAPI(t *testing.T) {
	doc := `
openapi: 3.0.0
info: {title: shop, version: "1"}
servers:
  - url: http://shop.local/api
paths:
  /products:
    get:
      operationId: listProducts
      responses: {"200": {description: ok}}
  /products/{id}:
    get:
      operationId: getProduct
      responses: {"200": {description: ok}}
`
	cfg := &config.Config{
		OpenAPI:         writeFile(t, t.TempDir(), "api.yaml", doc),
		AutoTransitions: true,
		States: []config.StateConfig{
			{Name: "getProduct", Request: &config.RequestConfig{URL: "/products/{{.product}}"}},
			{Name: "Checkout", Transitions: []config.TransitionConfig{{To: "listProducts", Guard: "cart > 0"}}},
		},
	}

	g, err := BuildGraph(cfg)
	require.NoError(t, err)
	require.Equal(t, 3, g.Len())

	list, ok := g.StateByName("listProducts")
	require.True(t, ok)
	assert.Equal(t, "http://shop.local/api/products", list.Request.URL)

	product, _ := g.StateByName("getProduct")
	assert.Equal(t, "/products/{{.product}}", product.Request.URL)

	checkout, _ := g.StateByName("Checkout")
	tr, ok := checkout.TransitionTo(list.ID)
	require.True(t, ok)
	assert.Equal(t, "cart > 0", tr.Guard)
	assert.Len(t, checkout.Transitions, 3)
}

func TestBuildGraph_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
	}{
		{
			name: "unknown target",
			cfg:  &config.Config{States: []config.StateConfig{{Name: "A", Transitions: []config.TransitionConfig{{To: "B"}}}}},
		},
		{
			name: "duplicate transition",
			cfg: &config.Config{States: []config.StateConfig{
				{Name: "A", Transitions: []config.TransitionConfig{{To: "A"}, {To: "A"}}},
			}},
		},
		{
			name: "missing openapi document",
			cfg:  &config.Config{OpenAPI: filepath.Join(t.TempDir(), "missing.yaml")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestBuildMix(t *testing.T) {
	cfg := &config.Config{BehaviorMix: []config.BehaviorConfig{
		{Name: "browser", Frequency: 3, File: "browser.csv"},
		{Name: "buyer", Frequency: 1, File: "buyer.csv"},
	}}
	mix, err := BuildMix(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, mix.Len())
	assert.Equal(t, "browser", mix.Entries()[0].Name)
	assert.Equal(t, "buyer.csv", mix.Entries()[1].File)
}

func TestNew_UnknownExecutor(t *testing.T) {
	cfg := shopConfig(t, homeCartExit)
	cfg.Executor.Type = "grpc"
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestNew_InvalidProfile(t *testing.T) {
	cfg := shopConfig(t, homeCartExit)
	cfg.Arrival.Enabled = true
	cfg.Arrival.Capacity = loadctrl.ProfileConfig{Type: loadctrl.TypeSine}
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, loadctrl.ErrInvalidProfile)
}

func TestRun_WalksSessions(t *testing.T) {
	cfg := shopConfig(t, homeCartExit)
	exec := &recordingExecutor{}
	summary := metrics.NewSummary()

	r, err := New(cfg, Options{Executor: exec, Observer: summary})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	st := r.Stats()
	assert.Positive(t, st.Sessions)
	assert.Positive(t, st.Completed)
	assert.Equal(t, st.Requests, int64(len(exec.states())))
	assert.Positive(t, st.Failed)
	assert.Less(t, st.Failed, st.Requests+1)

	// Every session starts at Home and follows Home -> Cart -> exit.
	visited := exec.states()
	require.NotEmpty(t, visited)
	for _, name := range visited {
		assert.Contains(t, []string{"Home", "Cart"}, name)
	}

	snap := summary.Snapshot()
	assert.Equal(t, st.Sessions, snap.SessionsStarted)
	assert.Equal(t, snap.SessionsStarted, snap.SessionsEnded)
	for _, tr := range snap.Transitions {
		switch {
		case tr.From == "Home":
			assert.Equal(t, "Cart", tr.To)
		case tr.From == "Cart":
			assert.Equal(t, "$", tr.To)
		}
	}
	assert.Equal(t, int64(1), snap.Steps.Max)
}

func TestRun_GuardsAndActionsUseFreshVariables(t *testing.T) {
	cfg := shopConfig(t, ",Home,Cart,$\nHome*,0,1,0\nCart,1,0,0\n")
	cfg.States[0].Transitions[0] = config.TransitionConfig{To: "Cart", Guard: "visits < 2", Action: "visits = visits + 1"}
	cfg.Variables = map[string]any{"visits": 0}
	summary := metrics.NewSummary()

	r, err := New(cfg, Options{Executor: &recordingExecutor{}, Observer: summary})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	// Home -> Cart -> Home -> Cart -> Home, then the guard fails and the
	// session exits. Each session starts again from visits = 0.
	snap := summary.Snapshot()
	assert.Equal(t, int64(4), snap.Steps.Max)
	assert.Equal(t, int64(4), snap.Steps.P50)
	require.NotEmpty(t, snap.Guards)
	assert.Positive(t, r.GuardStats().Total())

	var exits int64
	for _, tr := range snap.Transitions {
		if tr.To == "$" {
			assert.Equal(t, "Home", tr.From)
			exits += tr.Count
		}
	}
	assert.Positive(t, exits)
}

func TestRun_ArrivalGateBoundsActiveSessions(t *testing.T) {
	cfg := shopConfig(t, homeCartExit)
	cfg.Sessions = config.SessionsConfig{Users: 4, ThinkTimeScale: 1, MaxSteps: 100}
	cfg.Arrival = config.ArrivalConfig{
		Enabled:      true,
		Capacity:     loadctrl.ProfileConfig{Type: loadctrl.TypeConstant, Base: 1},
		Log:          config.ArrivalLogConfig{Enabled: true, File: filepath.Join(t.TempDir(), "arrival.csv")},
		PollInterval: time.Millisecond,
		PollJitter:   time.Millisecond,
	}
	exec := &recordingExecutor{delay: 5 * time.Millisecond}
	summary := metrics.NewSummary()

	r, err := New(cfg, Options{Executor: exec, Observer: summary, SampleInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, int32(1), exec.peak.Load())
	assert.Equal(t, 1, r.Capacity())
	assert.LessOrEqual(t, summary.Snapshot().PeakActive["shop"], 1)
	assert.Zero(t, r.Workload().Gate().Active())

	data, err := os.ReadFile(cfg.Arrival.Log.File)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "0,"))
}

func TestRun_SetupErrorFailsRun(t *testing.T) {
	cfg := shopConfig(t, ",Home,Cart,$\nHome*,0,x,0\nCart,0,0,1\n")
	r, err := New(cfg, Options{Executor: &recordingExecutor{}})
	require.NoError(t, err)

	err = r.Run(context.Background())
	require.Error(t, err)
	assert.True(t, behavior.IsSetupError(err))
	assert.Zero(t, r.Stats().Sessions)
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := shopConfig(t, ",Home,Cart,$\nHome*,0,1,0\nCart,1,0,0\n")
	cfg.Duration = time.Hour
	exec := &recordingExecutor{delay: time.Millisecond}

	r, err := New(cfg, Options{Executor: exec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Stats().Steps > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Zero(t, r.Stats().Completed)
}

func TestRun_AlreadyRunning(t *testing.T) {
	cfg := shopConfig(t, ",Home,Cart,$\nHome*,0,1,0\nCart,1,0,0\n")
	cfg.Duration = time.Hour
	r, err := New(cfg, Options{Executor: &recordingExecutor{delay: time.Millisecond}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return r.Stats().Sessions > 0 }, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, r.Run(context.Background()))
	cancel()
	assert.NoError(t, <-done)
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), 0))
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.False(t, sleep(ctx, 0))
}
