package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplesAt(t0 time.Time, step time.Duration, raws ...int32) []RawSample {
	out := make([]RawSample, len(raws))
	for i, r := range raws {
		out[i] = RawSample{Raw: r, Time: t0.Add(time.Duration(i) * step)}
	}
	return out
}

func TestRing_PushAndSnapshot(t *testing.T) {
	r := NewRing(4)
	t0 := time.Unix(100, 0)

	for _, s := range samplesAt(t0, 100*time.Millisecond, 1, 2, 3) {
		require.NoError(t, r.Push(s))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int32{1, 2, 3}, raws(r.Snapshot(nil)))

	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, int32(3), latest.Raw)
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing(3)
	t0 := time.Unix(100, 0)

	for _, s := range samplesAt(t0, 100*time.Millisecond, 1, 2, 3, 4, 5) {
		require.NoError(t, r.Push(s))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())
	assert.Equal(t, []int32{3, 4, 5}, raws(r.Snapshot(nil)))
}

func TestRing_RejectsNonMonotonic(t *testing.T) {
	r := NewRing(8)
	t0 := time.Unix(100, 0)

	require.NoError(t, r.Push(RawSample{Raw: 1, Time: t0}))
	assert.ErrorIs(t, r.Push(RawSample{Raw: 2, Time: t0}), ErrNonMonotonic)
	assert.ErrorIs(t, r.Push(RawSample{Raw: 3, Time: t0.Add(-time.Millisecond)}), ErrNonMonotonic)
	assert.Equal(t, 1, r.Len())

	snap := r.Snapshot(nil)
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i].Time.After(snap[i-1].Time))
	}
}

func TestRing_Window(t *testing.T) {
	r := NewRing(16)
	t0 := time.Unix(100, 0)
	for _, s := range samplesAt(t0, 100*time.Millisecond, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9) {
		require.NoError(t, r.Push(s))
	}

	tests := []struct {
		name string
		w    time.Duration
		want []int32
	}{
		{"zero window is newest only", 0, []int32{9}},
		{"inclusive boundary", 300 * time.Millisecond, []int32{6, 7, 8, 9}},
		{"between samples", 250 * time.Millisecond, []int32{7, 8, 9}},
		{"longer than contents", 10 * time.Second, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, raws(r.Window(nil, tt.w)))
		})
	}
}

func TestRing_ClearBumpsVersion(t *testing.T) {
	r := NewRing(4)
	v0 := r.Version()
	require.NoError(t, r.Push(RawSample{Raw: 1, Time: time.Unix(1, 0)}))
	v1 := r.Version()
	assert.Greater(t, v1, v0)

	r.Clear()
	assert.Greater(t, r.Version(), v1)
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Window(nil, time.Second))
	_, ok := r.Latest()
	assert.False(t, ok)

	// Older timestamps are accepted again after a clear.
	assert.NoError(t, r.Push(RawSample{Raw: 1, Time: time.Unix(0, 0)}))
}

func raws(s []RawSample) []int32 {
	out := make([]int32, len(s))
	for i, x := range s {
		out[i] = x.Raw
	}
	return out
}
