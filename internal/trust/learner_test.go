package trust

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestSampleWeight_UnknownSourceIsNeutral(t *testing.T) {
	l := NewLearner(newTestStore(t), WithRand(testRand()))

	w, err := l.SampleWeight(context.Background(), "never_seen")
	require.NoError(t, err)
	assert.Equal(t, 1.0, w)
}

func TestSampleWeight_BelowMinSamplesIsNeutral(t *testing.T) {
	l := NewLearner(newTestStore(t), WithRand(testRand()))
	ctx := context.Background()

	// Even unanimous rejections keep the weight at exactly 1.0 until the
	// exploration floor is reached.
	for i := 0; i < MinSamples-1; i++ {
		_, err := l.RecordFeedback(ctx, "news_ingest", false)
		require.NoError(t, err)
	}

	w, err := l.SampleWeight(ctx, "news_ingest")
	require.NoError(t, err)
	assert.Equal(t, 1.0, w)
}

func TestSampleWeight_DrawsAfterFloor(t *testing.T) {
	l := NewLearner(newTestStore(t), WithRand(testRand()))
	ctx := context.Background()

	for i := 0; i < MinSamples; i++ {
		_, err := l.RecordFeedback(ctx, "news_ingest", false)
		require.NoError(t, err)
	}

	// Beta(1, 6): heavily rejected source draws a low weight.
	var sum float64
	const draws = 200
	for i := 0; i < draws; i++ {
		w, err := l.SampleWeight(ctx, "news_ingest")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, w, 0.0)
		assert.LessOrEqual(t, w, 1.0)
		sum += w
	}
	mean := sum / draws
	assert.Less(t, mean, 0.35, "mean draw for a rejected source should be low")
}

func TestSampleWeight_AcceptedSourceDrawsHigh(t *testing.T) {
	l := NewLearner(newTestStore(t), WithRand(testRand()))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := l.RecordFeedback(ctx, "crm_sync", true)
		require.NoError(t, err)
	}

	var sum float64
	const draws = 200
	for i := 0; i < draws; i++ {
		w, err := l.SampleWeight(ctx, "crm_sync")
		require.NoError(t, err)
		sum += w
	}
	assert.Greater(t, sum/draws, 0.8)
}

func TestRecordFeedback_UpdatesPosterior(t *testing.T) {
	l := NewLearner(newTestStore(t), WithRand(testRand()))
	ctx := context.Background()

	w, err := l.RecordFeedback(ctx, "email_ingest", true)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, w.Alpha, 1e-9)
	assert.InDelta(t, 1.0, w.Beta, 1e-9)

	w, err = l.RecordFeedback(ctx, "email_ingest", false)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, w.Alpha, 1e-9)
	assert.InDelta(t, 2.0, w.Beta, 1e-9)
	assert.EqualValues(t, 2, w.SampleCount)
}

func TestRecordFeedback_InvalidatesCache(t *testing.T) {
	l := NewLearner(newTestStore(t), WithRand(testRand()), WithCacheTTL(time.Hour))
	ctx := context.Background()

	// Prime the cache with "no weight".
	w, err := l.Weight(ctx, "history_miner")
	require.NoError(t, err)
	assert.Nil(t, w)

	_, err = l.RecordFeedback(ctx, "history_miner", true)
	require.NoError(t, err)

	// The cached miss must not mask the fresh weight.
	w, err = l.Weight(ctx, "history_miner")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.EqualValues(t, 1, w.SampleCount)
}

func TestWeight_CachesWithinTTL(t *testing.T) {
	st := newTestStore(t)
	counting := &countingStore{Store: st}
	l := NewLearner(counting, WithRand(testRand()), WithCacheTTL(time.Hour))
	ctx := context.Background()

	_, err := l.Weight(ctx, "calendar_ingest")
	require.NoError(t, err)
	_, err = l.Weight(ctx, "calendar_ingest")
	require.NoError(t, err)
	assert.Equal(t, 1, counting.gets)
}

type countingStore struct {
	store.Store
	gets int
}

func (c *countingStore) GetSourceWeight(ctx context.Context, source model.Source) (*model.SourceWeight, error) {
	c.gets++
	return c.Store.GetSourceWeight(ctx, source)
}

func TestSampleBeta_Bounds(t *testing.T) {
	rng := testRand()
	for _, params := range [][2]float64{{1, 1}, {0.5, 0.5}, {10, 2}, {2, 10}} {
		for i := 0; i < 100; i++ {
			d := sampleBeta(rng, params[0], params[1])
			assert.GreaterOrEqual(t, d, 0.0)
			assert.LessOrEqual(t, d, 1.0)
		}
	}
	// Degenerate parameters fall back to the neutral midpoint.
	assert.Equal(t, 0.5, sampleBeta(rng, 0, 1))
}
