package job

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/halvorsen/reelsmith/internal/reelerr"
)

func TestRecomputeRatioFromSizes(t *testing.T) {
	j := &Job{OriginalSize: 1000, CompressedSize: 400}
	j.RecomputeRatio()
	require.InDelta(t, 0.6, j.CompressionRatio, 1e-9)
}

func TestRecomputeRatioLeavesZeroUntilBothSizesKnown(t *testing.T) {
	j := &Job{OriginalSize: 1000}
	j.RecomputeRatio()
	require.Equal(t, float64(0), j.CompressionRatio)
}

func TestApplySkippedReencodeSetsSizeAndZeroRatio(t *testing.T) {
	j := &Job{Size: 4096}
	j.ApplySkippedReencode("/tmp/downloaded/Show.mkv")

	require.Equal(t, "/tmp/downloaded/Show.mkv", j.LocalEncoded)
	require.Equal(t, int64(4096), j.OriginalSize)
	require.Equal(t, int64(4096), j.CompressedSize)
	require.Equal(t, float64(0), j.CompressionRatio)
}

func TestFailSetsKindAndMessage(t *testing.T) {
	j := &Job{State: StateDownloading}
	j.Fail(reelerr.KindNetworkTransient, "connection reset")

	require.Equal(t, StateFailed, j.State)
	require.Equal(t, reelerr.KindNetworkTransient, j.ErrorKind)
	require.Equal(t, "connection reset", j.ErrorMessage)
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	j := &Job{State: StateWaiting}
	require.False(t, j.Transition(StateCompleted))
	require.Equal(t, StateWaiting, j.State)
}
