package manual

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTickerFireDeliversUntilStopped(t *testing.T) {
	t.Parallel()

	clk := New(time.Unix(0, 0))
	tk := clk.NewTicker(100 * time.Millisecond).(*Ticker)
	require.Same(t, tk, clk.Last())

	got := make(chan time.Time, 1)
	go func() { got <- <-tk.C() }()
	require.True(t, tk.Fire())
	require.Equal(t, time.Unix(0, 0).Add(100*time.Millisecond), <-got)

	go func() { got <- <-tk.C() }()
	require.True(t, tk.Fire())
	require.Equal(t, time.Unix(0, 0).Add(200*time.Millisecond), <-got)

	tk.Stop()
	require.True(t, tk.Stopped())
	require.False(t, tk.Fire())
}

func TestTickerStartsFromClockTime(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clk := New(start)
	tk := clk.NewTicker(time.Second).(*Ticker)

	got := make(chan time.Time, 1)
	go func() { got <- <-tk.C() }()
	require.True(t, tk.Fire())
	require.Equal(t, start.Add(time.Second), <-got)
	require.Equal(t, start, clk.Now())
}

func TestClockAdvance(t *testing.T) {
	t.Parallel()

	clk := New(time.Unix(0, 0))
	clk.Advance(3 * time.Second)
	require.Equal(t, time.Unix(3, 0), clk.Now())
}
