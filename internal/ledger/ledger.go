// Package ledger implements the Progress Ledger: one JSON document at a
// well-known remote path, read and written through the transfer layer,
// updated with a temp-write-then-rename so a crash mid-write never
// leaves a half-written document behind.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const remotePath = "reelsmith/progress_ledger.json"
const ledgerVersion = 1

// Meta carries the document's own bookkeeping.
type Meta struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one job's durable progress record, independent of the Job
// Store row so a remote-side viewer can read it without database
// access.
type Entry struct {
	RemotePath      string    `json:"remote_path"`
	State           string    `json:"state"`
	PercentComplete float64   `json:"percent_complete"`
	OriginalSize    int64     `json:"original_size,omitempty"`
	CompressedSize  int64     `json:"compressed_size,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Document is the full ledger shape.
type Document struct {
	Meta Meta             `json:"meta"`
	Jobs map[string]Entry `json:"jobs"`
}

func emptyDocument() Document {
	return Document{
		Meta: Meta{Version: ledgerVersion, UpdatedAt: time.Now()},
		Jobs: make(map[string]Entry),
	}
}

// readWriteRenamer is the slice of transfer.Client (or transfer.Facade)
// the ledger needs: both satisfy it.
type readWriteRenamer interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// Ledger wraps a transfer.Client (or Facade) to load/save the single
// well-known document.
type Ledger struct {
	client readWriteRenamer
}

// New wraps client, which must satisfy ReadFile/WriteFile/Rename —
// transfer.Client and transfer.Facade both do.
func New(client readWriteRenamer) *Ledger {
	return &Ledger{client: client}
}

// Load fetches the ledger. A missing document returns a fresh empty
// one rather than an error, matching the teacher's
// create-on-first-use convention for per-job state. A corrupt
// document is archived alongside itself and a fresh one is returned,
// per spec §4.4.
func (l *Ledger) Load(ctx context.Context) (Document, error) {
	data, err := l.client.ReadFile(ctx, remotePath)
	if err != nil {
		return emptyDocument(), nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		l.archiveCorrupt(ctx, data)
		return emptyDocument(), nil
	}
	if doc.Jobs == nil {
		doc.Jobs = make(map[string]Entry)
	}
	return doc, nil
}

func (l *Ledger) archiveCorrupt(ctx context.Context, data []byte) {
	archivePath := fmt.Sprintf("%s.corrupt.%d", remotePath, time.Now().Unix())
	_ = l.client.WriteFile(ctx, archivePath, data)
}

// Save persists doc atomically: write to a temp path, then rename over
// the well-known path, so readers never observe a partial write.
func (l *Ledger) Save(ctx context.Context, doc Document) error {
	doc.Meta.Version = ledgerVersion
	doc.Meta.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress ledger: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", remotePath, time.Now().UnixNano())
	if err := l.client.WriteFile(ctx, tempPath, data); err != nil {
		return fmt.Errorf("write ledger temp file: %w", err)
	}
	if err := l.client.Rename(ctx, tempPath, remotePath); err != nil {
		return fmt.Errorf("publish ledger: %w", err)
	}
	return nil
}

// Upsert loads the ledger, applies entry, and saves it back. Callers
// on the hot progress path should batch updates rather than calling
// this per progress tick; the queue orchestrator calls it once per
// job, when the job completes.
func (l *Ledger) Upsert(ctx context.Context, entry Entry) error {
	doc, err := l.Load(ctx)
	if err != nil {
		return err
	}
	entry.UpdatedAt = time.Now()
	doc.Jobs[entry.RemotePath] = entry
	return l.Save(ctx, doc)
}

// Remove drops a job's entry once it leaves the ledger's retention
// window (spec's cleanup_old_progress_days).
func (l *Ledger) Remove(ctx context.Context, jobRemotePath string) error {
	doc, err := l.Load(ctx)
	if err != nil {
		return err
	}
	delete(doc.Jobs, jobRemotePath)
	return l.Save(ctx, doc)
}

// PruneOlderThan removes entries last updated before cutoff.
func (l *Ledger) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	doc, err := l.Load(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for path, entry := range doc.Jobs {
		if entry.UpdatedAt.Before(cutoff) {
			delete(doc.Jobs, path)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, l.Save(ctx, doc)
}
