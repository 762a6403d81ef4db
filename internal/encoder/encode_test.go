package encoder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScanProgressReportsCompletionAtEnd(t *testing.T) {
	feed := strings.NewReader(strings.Join([]string{
		"frame=10",
		"fps=25.0",
		"out_time_us=5000000",
		"progress=continue",
		"frame=20",
		"fps=25.0",
		"out_time_us=10000000",
		"progress=end",
		"",
	}, "\n"))

	var reports []float64
	scanProgress(feed, 10, func(percent, fps float64) {
		reports = append(reports, percent)
	})

	require.NotEmpty(t, reports)
	require.Equal(t, float64(100), reports[len(reports)-1])
}

func TestScanProgressClampsPercentAt100(t *testing.T) {
	feed := strings.NewReader(strings.Join([]string{
		"out_time_us=20000000",
		"fps=30",
		"progress=end",
		"",
	}, "\n"))

	var last float64
	scanProgress(feed, 5, func(percent, fps float64) {
		last = percent
	})
	require.Equal(t, float64(100), last)
}

func TestSentinelPathAppendsEncodingStateSuffix(t *testing.T) {
	require.Equal(t, "/tmp/out.mkv.encoding_state", SentinelPath("/tmp/out.mkv"))
}

func TestParseDurationHandlesMissingValue(t *testing.T) {
	require.Equal(t, 0.0, parseDuration("N/A"))
	require.Equal(t, 123.45, parseDuration("123.45"))
}

func TestProgressReportIntervalIsPositive(t *testing.T) {
	require.Greater(t, progressReportInterval, time.Duration(0))
}
