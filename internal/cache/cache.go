// Package cache implements the FolderStatsCache: a remote document
// keyed by directory path, used to answer library-browsing and search
// queries without re-walking the remote tree on every call.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/halvorsen/reelsmith/internal/transfer"
)

const remotePath = "reelsmith/folder_stats_cache.json"

// FolderStats is one directory's cached summary.
type FolderStats struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	FileCount    int       `json:"file_count"`
	AvgSize      int64     `json:"avg_size"`
	ModTime      time.Time `json:"mod_time"`
	CalculatedAt time.Time `json:"calculated_at"`
	Files        []Entry   `json:"files,omitempty"`
}

// Entry is one file within a cached directory listing.
type Entry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

type document struct {
	Folders map[string]FolderStats `json:"folders"`
}

func emptyDocument() document {
	return document{Folders: make(map[string]FolderStats)}
}

// readWriteRenamer is the slice of transfer.Client (or
// transfer.Facade) the cache needs to persist itself.
type readWriteRenamer interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, dir string) ([]transfer.FileInfo, error)
}

// Cache wraps a transport client; it keeps no in-memory copy, so every
// call loads the document from the remote afresh.
type Cache struct {
	client readWriteRenamer
}

// New builds a Cache over client.
func New(client readWriteRenamer) *Cache {
	return &Cache{client: client}
}

func (c *Cache) load(ctx context.Context) (document, error) {
	data, err := c.client.ReadFile(ctx, remotePath)
	if err != nil {
		return emptyDocument(), nil
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return emptyDocument(), nil
	}
	if doc.Folders == nil {
		doc.Folders = make(map[string]FolderStats)
	}
	return doc, nil
}

func (c *Cache) save(ctx context.Context, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal folder stats cache: %w", err)
	}
	return c.client.WriteFile(ctx, remotePath, data)
}

// GetStats returns every cached folder's stats, most-recently
// calculated first.
func (c *Cache) GetStats(ctx context.Context) ([]FolderStats, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]FolderStats, 0, len(doc.Folders))
	for _, f := range doc.Folders {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CalculatedAt.After(out[j].CalculatedAt) })
	return out, nil
}

// NeedsRefresh reports whether dirPath's cached entry is missing or
// older than maxAge.
func (c *Cache) NeedsRefresh(ctx context.Context, dirPath string, maxAge time.Duration) (bool, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return true, err
	}
	stats, ok := doc.Folders[dirPath]
	if !ok {
		return true, nil
	}
	return time.Since(stats.CalculatedAt) > maxAge, nil
}

// Sync re-lists dirPath and refreshes its cache entry if the remote's
// directory modTime has moved past what's cached, per the
// FolderStatsCache invalidation rule.
func (c *Cache) Sync(ctx context.Context, dirPath string) (FolderStats, error) {
	entries, err := c.client.List(ctx, dirPath)
	if err != nil {
		return FolderStats{}, fmt.Errorf("list %s: %w", dirPath, err)
	}

	var newest time.Time
	var totalSize int64
	files := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.ModTime.After(newest) {
			newest = e.ModTime
		}
		if !e.IsDir {
			totalSize += e.Size
		}
		files = append(files, Entry{Name: e.Name, Size: e.Size, IsDir: e.IsDir, ModTime: e.ModTime})
	}

	doc, err := c.load(ctx)
	if err != nil {
		return FolderStats{}, err
	}
	if existing, ok := doc.Folders[dirPath]; ok && !existing.ModTime.Before(newest) {
		return existing, nil // unchanged since last sync
	}

	stats := FolderStats{
		Path:         dirPath,
		Size:         totalSize,
		FileCount:    len(files),
		ModTime:      newest,
		CalculatedAt: time.Now(),
		Files:        files,
	}
	if len(files) > 0 {
		stats.AvgSize = totalSize / int64(len(files))
	}

	doc.Folders[dirPath] = stats
	if err := c.save(ctx, doc); err != nil {
		return FolderStats{}, err
	}
	return stats, nil
}

// FullIndex walks rootPath depth-first, syncing every directory it
// finds. Depth is bounded only by the remote tree itself; callers
// needing cancellation should pass a context with a deadline.
func (c *Cache) FullIndex(ctx context.Context, rootPath string) error {
	stats, err := c.Sync(ctx, rootPath)
	if err != nil {
		return err
	}
	for _, f := range stats.Files {
		if !f.IsDir {
			continue
		}
		child := rootPath
		if child != "" {
			child += "/"
		}
		child += f.Name
		if err := c.FullIndex(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// GetDirectory returns the cached listing for dirPath, syncing first
// if nothing is cached yet.
func (c *Cache) GetDirectory(ctx context.Context, dirPath string) (FolderStats, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return FolderStats{}, err
	}
	if stats, ok := doc.Folders[dirPath]; ok {
		return stats, nil
	}
	return c.Sync(ctx, dirPath)
}

// GetFolderStats is an alias for GetDirectory kept distinct at the API
// layer because callers (Cache API) use both names for slightly
// different intents — GetDirectory implies "I want the listing",
// GetFolderStats implies "I want the summary" — but they share one
// cached record.
func (c *Cache) GetFolderStats(ctx context.Context, folderPath string) (FolderStats, error) {
	return c.GetDirectory(ctx, folderPath)
}

// SearchOptions narrows Search.
type SearchOptions struct {
	CaseSensitive bool
	FilesOnly     bool
}

// Search scans every cached folder's files for a name match.
func (c *Cache) Search(ctx context.Context, query string, opts SearchOptions) ([]string, error) {
	doc, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	needle := query
	if !opts.CaseSensitive {
		needle = strings.ToLower(needle)
	}

	var matches []string
	for dir, stats := range doc.Folders {
		for _, f := range stats.Files {
			if opts.FilesOnly && f.IsDir {
				continue
			}
			name := f.Name
			if !opts.CaseSensitive {
				name = strings.ToLower(name)
			}
			if strings.Contains(name, needle) {
				matches = append(matches, dir+"/"+f.Name)
			}
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// Invalidate drops a single cached entry.
func (c *Cache) Invalidate(ctx context.Context, itemPath string) error {
	doc, err := c.load(ctx)
	if err != nil {
		return err
	}
	delete(doc.Folders, itemPath)
	return c.save(ctx, doc)
}

// Clear drops the entire cache document.
func (c *Cache) Clear(ctx context.Context) error {
	return c.save(ctx, emptyDocument())
}
