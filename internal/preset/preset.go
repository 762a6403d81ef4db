// Package preset implements the Preset API: named, sharable snapshots
// of encoder configuration, stored remotely under a known prefix and
// locally as a cache.
package preset

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/halvorsen/reelsmith/internal/config"
	"github.com/halvorsen/reelsmith/internal/reelerr"
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Preset is the encoder-relevant subset of PipelineConfiguration that
// gets saved and shared between installs.
type Preset struct {
	Name   string              `json:"name"`
	FFmpeg config.FFmpegConfig `json:"ffmpeg"`
}

func remotePathFor(name string) string {
	return fmt.Sprintf("presets/ffmpeg_%s.json", name)
}

// sanitize validates name against the spec's allowed charset; it never
// rewrites a name, only accepts or rejects it, so a rejected name is
// always a caller bug rather than silent mangling.
func sanitize(name string) error {
	if !nameRE.MatchString(name) {
		return reelerr.New(reelerr.KindInvalidConfig, fmt.Sprintf("preset name %q must match [A-Za-z0-9_-]+", name))
	}
	return nil
}

// remoteStore is the slice of transfer.Client (or Facade) the Preset
// API needs.
type remoteStore interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
}

// localCache is the minimal local-disk persistence the Preset API uses
// so `load`/`list` work while offline, per spec §4.1's
// operate-locally-first philosophy for the Config Store's siblings.
type localCache interface {
	ReadPreset(name string) ([]byte, error)
	WritePreset(name string, data []byte) error
	DeletePreset(name string) error
	ListPresets() ([]string, error)
}

// Manager implements the Preset API.
type Manager struct {
	remote remoteStore
	local  localCache
}

// New builds a Manager. remote may be nil if no transport is
// configured yet; push/pull then fail with KindProtocolCapabilityMissing.
func New(remote remoteStore, local localCache) *Manager {
	return &Manager{remote: remote, local: local}
}

// List returns every locally known preset name.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	return m.local.ListPresets()
}

// Save writes preset to the local cache under name.
func (m *Manager) Save(ctx context.Context, name string, p Preset) error {
	if err := sanitize(name); err != nil {
		return err
	}
	p.Name = name
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal preset %s: %w", name, err)
	}
	return m.local.WritePreset(name, data)
}

// Load reads a preset from the local cache.
func (m *Manager) Load(ctx context.Context, name string) (Preset, error) {
	if err := sanitize(name); err != nil {
		return Preset{}, err
	}
	data, err := m.local.ReadPreset(name)
	if err != nil {
		return Preset{}, reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("preset %s", name), err)
	}
	var p Preset
	if err := json.Unmarshal(data, &p); err != nil {
		return Preset{}, fmt.Errorf("parse preset %s: %w", name, err)
	}
	return p, nil
}

// Delete removes a preset from the local cache.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := sanitize(name); err != nil {
		return err
	}
	return m.local.DeletePreset(name)
}

// Push uploads a locally saved preset to the remote prefix.
func (m *Manager) Push(ctx context.Context, name string) error {
	if err := sanitize(name); err != nil {
		return err
	}
	if m.remote == nil {
		return reelerr.New(reelerr.KindProtocolCapabilityMissing, "no remote configured for preset push")
	}
	data, err := m.local.ReadPreset(name)
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("preset %s", name), err)
	}
	return m.remote.WriteFile(ctx, remotePathFor(name), data)
}

// Pull downloads a remote preset and caches it locally.
func (m *Manager) Pull(ctx context.Context, name string) error {
	if err := sanitize(name); err != nil {
		return err
	}
	if m.remote == nil {
		return reelerr.New(reelerr.KindProtocolCapabilityMissing, "no remote configured for preset pull")
	}
	data, err := m.remote.ReadFile(ctx, remotePathFor(name))
	if err != nil {
		return reelerr.Wrap(reelerr.KindNotFound, fmt.Sprintf("remote preset %s", name), err)
	}
	return m.local.WritePreset(name, data)
}
