package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streampipe/internal/media"
)

func sample(pos float64, at time.Time) media.WatchProgress {
	return media.WatchProgress{
		UserID:    "u1",
		ContentID: "c1",
		Position:  pos,
		UpdatedAt: at,
	}
}

func TestMemoryTracker(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("record and resolve", func(t *testing.T) {
		tr := NewMemoryTracker()
		require.NoError(t, tr.Record(ctx, sample(42.5, base)))

		got, ok, err := tr.Resolve(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 42.5, got.Position)
	})

	t.Run("unknown pair", func(t *testing.T) {
		tr := NewMemoryTracker()
		_, ok, err := tr.Resolve(ctx, "u1", "c1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("older sample never wins", func(t *testing.T) {
		tr := NewMemoryTracker()
		require.NoError(t, tr.Record(ctx, sample(30, base.Add(10*time.Second))))
		require.NoError(t, tr.Record(ctx, sample(20, base.Add(5*time.Second))))

		got, ok, err := tr.Resolve(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 30.0, got.Position)
	})

	t.Run("idempotent re-record", func(t *testing.T) {
		tr := NewMemoryTracker()
		s := sample(15, base)
		require.NoError(t, tr.Record(ctx, s))
		require.NoError(t, tr.Record(ctx, s))

		got, ok, err := tr.Resolve(ctx, "u1", "c1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 15.0, got.Position)
	})

	t.Run("pairs are independent", func(t *testing.T) {
		tr := NewMemoryTracker()
		require.NoError(t, tr.Record(ctx, sample(10, base)))
		other := sample(99, base)
		other.ContentID = "c2"
		require.NoError(t, tr.Record(ctx, other))

		got, _, err := tr.Resolve(ctx, "u1", "c1")
		require.NoError(t, err)
		assert.Equal(t, 10.0, got.Position)
	})
}

func TestSegmentIndex(t *testing.T) {
	durations := []float64{4, 4, 4, 2}
	cases := []struct {
		name     string
		position float64
		want     int
	}{
		{"start", 0, 0},
		{"inside first", 3.9, 0},
		{"boundary lands in next", 4, 1},
		{"inside third", 9.5, 2},
		{"inside short tail", 13, 3},
		{"past end clamps to last", 100, 3},
		{"negative clamps to first", -5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SegmentIndex(tc.position, durations))
		})
	}

	t.Run("no segments", func(t *testing.T) {
		assert.Equal(t, 0, SegmentIndex(10, nil))
	})
}
