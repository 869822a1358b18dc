package workload

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/erp/tools/markovgen/internal/arrival"
	"github.com/example/erp/tools/markovgen/internal/behavior"
	"github.com/example/erp/tools/markovgen/internal/graph"
	"github.com/example/erp/tools/markovgen/internal/rng"
)

func abGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	_, err := g.AddState("A")
	require.NoError(t, err)
	_, err = g.AddState("B")
	require.NoError(t, err)
	return g
}

func mixWithFile(t *testing.T, content string) (*behavior.Mix, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	mix := behavior.NewMix()
	require.NoError(t, mix.Add("default", 1, path))
	return mix, path
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry(nil, nil)
	mix, _ := mixWithFile(t, ",A,B,$\nA*,1,0,0\nB,0,0,1\n")

	w, err := r.Register(Definition{ID: "shop", Graph: abGraph(t), Mix: mix})
	require.NoError(t, err)
	assert.Equal(t, "shop", w.ID())
	assert.Nil(t, w.Gate())

	_, err = r.Register(Definition{ID: "shop", Graph: abGraph(t), Mix: mix})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = r.Register(Definition{ID: "x", Mix: mix})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = r.Register(Definition{ID: "x", Graph: abGraph(t)})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = r.Register(Definition{Graph: abGraph(t), Mix: mix})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"shop"}, r.IDs())
}

func TestWorkload_MixInitializedOnceUnderConcurrency(t *testing.T) {
	r := NewRegistry(nil, nil)
	mix, _ := mixWithFile(t, ",A,B,$\nA*,0.5,0.3,0.2\nB,0,0,1\n")
	w, err := r.Register(Definition{ID: "shop", Graph: abGraph(t), Mix: mix})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*behavior.Mix, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := w.Mix()
			assert.NoError(t, err)
			results[i] = m
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, w.inits)
	for _, m := range results {
		assert.Same(t, mix, m)
	}

	e, err := w.SelectBehavior(rng.New(1))
	require.NoError(t, err)
	assert.Equal(t, "default", e.Name)
}

func TestWorkload_InitErrorIsCached(t *testing.T) {
	r := NewRegistry(nil, nil)
	mix, _ := mixWithFile(t, ",A,$\n")
	w, err := r.Register(Definition{ID: "broken", Graph: abGraph(t), Mix: mix})
	require.NoError(t, err)

	_, err = w.Mix()
	assert.ErrorIs(t, err, behavior.ErrHeaderCountMismatch)
	_, err = w.SelectBehavior(rng.New(1))
	assert.ErrorIs(t, err, behavior.ErrParse)
	assert.Equal(t, 1, w.inits)
}

func TestRegistry_TestEndedClearsCache(t *testing.T) {
	r := NewRegistry(nil, nil)
	mix, path := mixWithFile(t, ",A,B,$\nA*,1,0,0\nB,0,0,1\n")
	w, err := r.Register(Definition{ID: "shop", Graph: abGraph(t), Mix: mix})
	require.NoError(t, err)

	require.NoError(t, r.TestStarted("shop"))
	_, err = w.Mix()
	require.NoError(t, err)

	// The next test run picks up the edited model.
	require.NoError(t, os.WriteFile(path, []byte(",A,B,$\nA,1,0,0\nB*,0,0,1\n"), 0o600))
	require.NoError(t, r.TestEnded("shop"))

	m, err := w.Mix()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Entries()[0].Model.EntryState)
	assert.Equal(t, 2, w.inits)

	require.NoError(t, r.Reset("shop"))
	_, err = w.Mix()
	require.NoError(t, err)
	assert.Equal(t, 3, w.inits)

	assert.ErrorIs(t, r.TestStarted("nope"), ErrNotFound)
	assert.ErrorIs(t, r.TestEnded("nope"), ErrNotFound)
	assert.ErrorIs(t, r.Reset("nope"), ErrNotFound)
}

func TestRegistry_GateLifecycle(t *testing.T) {
	r := NewRegistry(nil, nil)
	mix, _ := mixWithFile(t, ",A,B,$\nA*,1,0,0\nB,0,0,1\n")
	gate := arrival.New(arrival.Config{})
	_, err := r.Register(Definition{ID: "shop", Graph: abGraph(t), Mix: mix, Gate: gate})
	require.NoError(t, err)

	require.NoError(t, gate.Enter(context.Background(), 0))
	require.NoError(t, r.TestStarted("shop"))
	assert.Equal(t, 0, gate.Active(), "test start resets the gate")
	require.NoError(t, r.TestEnded("shop"))
}
