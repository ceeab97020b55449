package receipts

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/4xmen/jashn/internal/apperr"
	"github.com/4xmen/jashn/internal/models"
)

func TestApplySnapshotReplaces(t *testing.T) {
	a := NewAggregator()
	a.ApplySnapshot([]models.ReadCount{{MessageID: 1, Count: 2}, {MessageID: 2, Count: 1}})
	a.ApplySnapshot([]models.ReadCount{{MessageID: 2, Count: 3}})

	_, ok := a.Count(1)
	require.False(t, ok)
	n, ok := a.Count(2)
	require.True(t, ok)
	require.Equal(t, 3, n)
}

func TestApplySnapshotIsIdempotent(t *testing.T) {
	snap := []models.ReadCount{{MessageID: 7, Count: 4}, {MessageID: 9, Count: 1}}
	a := NewAggregator()

	a.ApplySnapshot(snap)
	first := a.Snapshot()
	a.ApplySnapshot(snap)
	require.Equal(t, first, a.Snapshot())
	require.Equal(t, map[int64]int{7: 4, 9: 1}, first)

	a.Reset()
	require.Empty(t, a.Snapshot())
}

type recorder struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (r *recorder) MarkRead(_ context.Context, room string, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
	return r.err
}

func TestMarkerSkipsRepeats(t *testing.T) {
	rec := &recorder{}
	m := NewMarker("r1", rec)
	ctx := context.Background()

	require.NoError(t, m.Observe(ctx, 5))
	require.NoError(t, m.Observe(ctx, 5))
	require.NoError(t, m.Observe(ctx, 3))
	require.NoError(t, m.Observe(ctx, 0))
	require.NoError(t, m.Observe(ctx, 6))

	require.Equal(t, []int64{5, 6}, rec.calls)
	require.Equal(t, int64(6), m.Last())
}

func TestMarkerRetriesAfterFailure(t *testing.T) {
	rec := &recorder{err: errors.New("timeout")}
	m := NewMarker("r1", rec)
	ctx := context.Background()

	err := m.Observe(ctx, 5)
	require.True(t, apperr.Is(err, apperr.TransientNetwork))
	require.Equal(t, int64(0), m.Last())

	rec.err = nil
	require.NoError(t, m.Observe(ctx, 5))
	require.Equal(t, []int64{5, 5}, rec.calls)
	require.Equal(t, int64(5), m.Last())
}
