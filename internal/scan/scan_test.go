package scan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckRemoteStableZeroWaitSkipsCheck(t *testing.T) {
	stable, err := CheckRemoteStable(context.Background(), StatFunc(func(ctx context.Context, path string) (int64, error) {
		t.Fatal("Stat should not be called when wait <= 0")
		return 0, nil
	}), "movies/Show.mkv", 0)
	require.NoError(t, err)
	require.True(t, stable)
}

func TestCheckRemoteStableDetectsGrowth(t *testing.T) {
	calls := 0
	sizes := []int64{100, 250}
	stable, err := CheckRemoteStable(context.Background(), StatFunc(func(ctx context.Context, path string) (int64, error) {
		size := sizes[calls]
		calls++
		return size, nil
	}), "movies/Show.mkv", time.Millisecond)
	require.NoError(t, err)
	require.False(t, stable)
}

func TestCheckRemoteStableReportsStableWhenUnchanged(t *testing.T) {
	stable, err := CheckRemoteStable(context.Background(), StatFunc(func(ctx context.Context, path string) (int64, error) {
		return 4096, nil
	}), "movies/Show.mkv", time.Millisecond)
	require.NoError(t, err)
	require.True(t, stable)
}

func TestCheckRemoteStablePropagatesStatError(t *testing.T) {
	_, err := CheckRemoteStable(context.Background(), StatFunc(func(ctx context.Context, path string) (int64, error) {
		return 0, context.DeadlineExceeded
	}), "movies/Show.mkv", time.Millisecond)
	require.Error(t, err)
}
