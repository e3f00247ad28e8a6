package tangram

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConcurrentStreams(t *testing.T) {
	mute(t)

	pool, err := NewPool(2, testModelsPath, DefaultPipelineParams())
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 2, pool.Size())

	var wg sync.WaitGroup
	errs := make([]float64, 4)

	for s := 0; s < len(errs); s++ {
		wg.Add(1)

		go func(s int) {
			defer wg.Done()

			pl := pool.Get()
			defer pool.Return(pl)

			frame := blankFrame(640, 480)
			defer frame.Close()

			sol, err := pl.ProcessPolygonsAt(frame, layoutPolygons(pl), 0)

			if err != nil {
				errs[s] = -1
				return
			}

			errs[s] = sol.MeanError()
		}(s)
	}

	wg.Wait()

	for s, e := range errs {
		assert.GreaterOrEqual(t, e, 0.0, "stream %d failed", s)
		assert.Less(t, e, 0.1, "stream %d", s)
	}
}

func TestPoolReturnResets(t *testing.T) {
	mute(t)

	pool, err := NewPool(1, testModelsPath, DefaultPipelineParams())
	require.NoError(t, err)
	defer pool.Close()

	pl := pool.Get()

	frame := blankFrame(640, 480)
	defer frame.Close()

	_, err = pl.ProcessPolygonsAt(frame, layoutPolygons(pl), 0)
	require.NoError(t, err)
	require.True(t, pl.Tracker().HasInitializedTracker())

	pool.Return(pl)

	again := pool.Get()
	assert.Same(t, pl, again)
	assert.False(t, again.Tracker().HasInitializedTracker())
	pool.Return(again)
}

func TestNewPoolError(t *testing.T) {
	_, err := NewPool(2, "assets/missing.json", DefaultPipelineParams())
	assert.Error(t, err)
}
