package transfer

import (
	"io"
	"sync"
	"time"
)

// minReportInterval is the tracker's cadence: callers never see more
// than one progress update per window, per spec §4.3.
const minReportInterval = 500 * time.Millisecond

// Tracker smooths instantaneous transfer speed across a short window
// and throttles ProgressFunc calls to minReportInterval, shared by both
// the SFTP and WebDAV backends so their progress semantics match.
type Tracker struct {
	mu          sync.Mutex
	lastReport  time.Time
	lastBytes   int64
	startedAt   time.Time
	smoothedBps float64
}

// NewTracker returns a tracker ready to wrap a single transfer.
func NewTracker() *Tracker {
	return &Tracker{startedAt: time.Now()}
}

// Report is called by the backend with cumulative bytes transferred; it
// forwards to onProgress only when the cadence allows, or on the final
// call (transferred == total, total known).
func (t *Tracker) Report(transferred, total int64, onProgress ProgressFunc) {
	if onProgress == nil {
		return
	}

	t.mu.Lock()
	now := time.Now()
	final := total > 0 && transferred >= total
	if !final && now.Sub(t.lastReport) < minReportInterval {
		t.mu.Unlock()
		return
	}

	elapsed := now.Sub(t.lastReport).Seconds()
	if elapsed > 0 && t.lastReport.IsZero() == false {
		instBps := float64(transferred-t.lastBytes) / elapsed
		if t.smoothedBps == 0 {
			t.smoothedBps = instBps
		} else {
			// exponential smoothing, alpha = 0.3
			t.smoothedBps = 0.3*instBps + 0.7*t.smoothedBps
		}
	}
	t.lastReport = now
	t.lastBytes = transferred
	t.mu.Unlock()

	onProgress(transferred, total)
}

// Speed returns the current smoothed bytes/sec estimate.
func (t *Tracker) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.smoothedBps
}

// ETA estimates remaining seconds given the current smoothed speed; 0
// when the speed or remaining size is unknown.
func (t *Tracker) ETA(transferred, total int64) float64 {
	t.mu.Lock()
	speed := t.smoothedBps
	t.mu.Unlock()
	if speed <= 0 || total <= transferred {
		return 0
	}
	return float64(total-transferred) / speed
}

// countingReader wraps an io.Reader, reporting cumulative bytes read
// through a Tracker as the stream is consumed — used by both backends
// to drive progress off the actual transfer rather than polling.
type countingReader struct {
	r         io.Reader
	tracker   *Tracker
	total     int64
	read      int64
	onProgress ProgressFunc
}

func newCountingReader(r io.Reader, total int64, tracker *Tracker, onProgress ProgressFunc) *countingReader {
	return &countingReader{r: r, tracker: tracker, total: total, onProgress: onProgress}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		c.tracker.Report(c.read, c.total, c.onProgress)
	}
	return n, err
}
