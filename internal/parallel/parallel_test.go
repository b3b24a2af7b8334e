package parallel

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()

	var counter int64
	n := 1000

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	assert.Equal(t, int64(n), counter)
}

func TestForRange_CoversEveryIndexOnce(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 7, MinChunkSize: 3}
	hits := make([]int32, 500)

	ForRange(len(hits), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			atomic.AddInt32(&hits[i], 1)
		}
	}, cfg)

	for i, h := range hits {
		require.Equal(t, int32(1), h, "index %d", i)
	}
}

func TestForRange_Empty(t *testing.T) {
	called := false
	ForRange(0, func(_, _ int) { called = true }, DefaultConfig())
	assert.False(t, called)
}

func TestForBatch(t *testing.T) {
	cfg := DefaultConfig().Batch()

	batch, channels := 4, 8
	results := make([][]bool, batch)
	for b := range results {
		results[b] = make([]bool, channels)
	}

	ForBatch(batch, channels, func(b, c int) {
		results[b][c] = true
	}, cfg)

	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			assert.True(t, results[b][c], "missing result at [%d][%d]", b, c)
		}
	}
}

func TestFor_Sequential(t *testing.T) {
	cfg := Config{Enabled: false}

	var counter int64
	For(100, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	assert.Equal(t, int64(100), counter)
}

func TestWithThreads(t *testing.T) {
	assert.Equal(t, runtime.NumCPU(), WithThreads(-1).NumWorkers)
	one := WithThreads(1)
	assert.False(t, one.Enabled)
	assert.Equal(t, 1, one.NumWorkers)
	four := WithThreads(4)
	assert.True(t, four.Enabled)
	assert.Equal(t, 1, four.Batch().MinChunkSize)
	assert.Equal(t, 64, four.MinChunkSize)
}

func BenchmarkFor(b *testing.B) {
	cfg := DefaultConfig()
	n := 10000

	b.Run("parallel", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfg)
		}
	})

	b.Run("sequential", func(b *testing.B) {
		cfgSeq := cfg
		cfgSeq.Enabled = false
		for i := 0; i < b.N; i++ {
			var sum int64
			For(n, func(i int) {
				atomic.AddInt64(&sum, int64(i))
			}, cfgSeq)
		}
	})
}
