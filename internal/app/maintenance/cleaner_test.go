package maintenance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunOnceInvokesEverySweeper(t *testing.T) {
	var calls []string

	cleaner := NewCleaner([]Sweeper{
		SweeperFunc{Label: "a", Fn: func(context.Context) (int, error) {
			calls = append(calls, "a")
			return 2, nil
		}},
		SweeperFunc{Label: "b", Fn: func(context.Context) (int, error) {
			calls = append(calls, "b")
			return 0, nil
		}},
	})

	require.NoError(t, cleaner.RunOnce(context.Background()))
	require.Equal(t, []string{"a", "b"}, calls)
}

func TestRunOnceAggregatesErrorsAndContinues(t *testing.T) {
	var ran bool

	cleaner := NewCleaner([]Sweeper{
		SweeperFunc{Label: "broken-1", Fn: func(context.Context) (int, error) {
			return 0, errors.New("first failure")
		}},
		SweeperFunc{Label: "broken-2", Fn: func(context.Context) (int, error) {
			return 0, errors.New("second failure")
		}},
		SweeperFunc{Label: "fine", Fn: func(context.Context) (int, error) {
			ran = true
			return 1, nil
		}},
	})

	err := cleaner.RunOnce(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "first failure")
	require.Contains(t, err.Error(), "second failure")
	require.True(t, ran)
}

func TestStartAndStop(t *testing.T) {
	cleaner := NewCleaner(nil, WithSweepSchedule("@every 1h"))
	require.NoError(t, cleaner.Start())

	ctx := cleaner.Stop()
	select {
	case <-ctx.Done():
	default:
		// No jobs in flight; the context resolves immediately or shortly.
	}
}

func TestBadScheduleFailsStart(t *testing.T) {
	cleaner := NewCleaner(nil, WithSweepSchedule("not-a-spec"))
	require.Error(t, cleaner.Start())
}
