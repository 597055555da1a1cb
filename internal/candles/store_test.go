package candles

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/internal/model"
)

var t0 = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

func bar(i int, close float64) model.Candle {
	return model.NewCandle(t0.Add(time.Duration(i)*time.Minute), close, close+1, close-1, close, 10)
}

func TestStore_AppendKeepsIndices(t *testing.T) {
	s := NewStore()
	require.Equal(t, 3, s.Append(bar(0, 1), bar(1, 2), bar(2, 3)))

	first, err := s.Get(0)
	require.NoError(t, err)

	require.Equal(t, 2, s.Append(bar(3, 4), bar(4, 5)))
	again, err := s.Get(0)
	require.NoError(t, err)
	assert.True(t, first.TS.Equal(again.TS))
	assert.Equal(t, 5, s.Len())

	c, err := s.Close(4)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, c, 1e-9)
}

func TestStore_PrependShiftsIndices(t *testing.T) {
	s := NewStore()
	s.Append(bar(10, 10), bar(11, 11))

	n := s.Prepend(bar(7, 7), bar(8, 8), bar(9, 9))
	require.Equal(t, 3, n)
	require.Equal(t, 5, s.Len())

	c, err := s.Get(3)
	require.NoError(t, err)
	assert.True(t, c.TS.Equal(bar(10, 0).TS), "old index 0 should now be index 3")
}

func TestStore_DropsOverlap(t *testing.T) {
	s := NewStore()
	s.Append(bar(5, 5), bar(6, 6))

	assert.Equal(t, 1, s.Append(bar(6, 6), bar(7, 7)))
	assert.Equal(t, 1, s.Prepend(bar(4, 4), bar(5, 5)))
	assert.Equal(t, 4, s.Len())
}

func TestStore_PrependKeepsStrictOrder(t *testing.T) {
	s := NewStore()
	s.Append(bar(10, 10))

	n := s.Prepend(bar(9, 9), bar(3, 3), bar(9, 90), bar(5, 5), bar(12, 12), bar(3, 30), bar(10, 100))
	require.Equal(t, 3, n)
	require.Equal(t, 4, s.Len())
	for i := 1; i < s.Len(); i++ {
		prev, _ := s.Get(i - 1)
		cur, _ := s.Get(i)
		require.True(t, cur.TS.After(prev.TS), "index %d not after %d", i, i-1)
	}
	last, _ := s.Get(3)
	assert.Equal(t, 10.0, last.CloseFloat(), "existing candle untouched")
	assert.Equal(t, []float64{3, 5, 9, 10}, s.Closes(), "first of each duplicate kept")
}

func TestStore_AppendReversesDescendingInput(t *testing.T) {
	s := NewStore()
	s.Append(bar(3, 3), bar(2, 2), bar(1, 1))

	for i := 0; i < 3; i++ {
		c, err := s.Close(i)
		require.NoError(t, err)
		assert.InDelta(t, float64(i+1), c, 1e-9)
	}
}

func TestStore_OutOfRange(t *testing.T) {
	s := NewStore()
	s.Append(bar(0, 1))

	for _, i := range []int{-1, 1, 100} {
		_, err := s.Get(i)
		if !errors.Is(err, model.ErrOutOfRange) {
			t.Errorf("Get(%d): expected ErrOutOfRange, got %v", i, err)
		}
		_, err = s.Close(i)
		if !errors.Is(err, model.ErrOutOfRange) {
			t.Errorf("Close(%d): expected ErrOutOfRange, got %v", i, err)
		}
	}
}

func TestStore_SliceAndReset(t *testing.T) {
	s := NewStore()
	s.Append(bar(0, 1), bar(1, 2), bar(2, 3))

	assert.Len(t, s.Slice(1, 10), 2)
	assert.Nil(t, s.Slice(3, 2))

	s.Reset()
	assert.Equal(t, 0, s.Len())
	_, ok := s.Last()
	assert.False(t, ok)
}
