package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/safeguard/internal/config"
)

func newTestChecker(t *testing.T, intervalSecs int) *Checker {
	t.Helper()
	st := newTestStore(t)
	collector := NewCollector(st, 24*time.Hour)
	alerter := NewAlerter(config.MonitoringConfig{
		CheckIntervalSecs:    intervalSecs,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.25,
	})
	return NewChecker(collector, alerter, config.MonitoringConfig{
		CheckIntervalSecs:   intervalSecs,
		LookbackWindowHours: 24,
	})
}

func TestCheckerStopsOnCancel(t *testing.T) {
	checker := newTestChecker(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCheckerZeroIntervalDefaults(t *testing.T) {
	// A zero interval falls back to five minutes rather than spinning.
	checker := newTestChecker(t, 0)
	require.NotNil(t, checker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
