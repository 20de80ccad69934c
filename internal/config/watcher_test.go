// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/internal/log"
)

func startWatcher(t *testing.T, path string, apply func(*Config)) *Watcher {
	t.Helper()

	w, err := NewWatcher(path, apply,
		WithWatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	w.Start(context.Background())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestWatcherAppliesLogLevelChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	level := new(slog.LevelVar)
	startWatcher(t, path, func(cfg *Config) {
		level.Set(log.ParseLevel(cfg.Log.Level))
	})

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		return level.Level() == slog.LevelDebug
	}, 2*time.Second, 10*time.Millisecond)
}

// Editors and config management replace files with rename+create; the
// watcher must pick up the new inode.
func TestWatcherSurvivesAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	level := new(slog.LevelVar)
	startWatcher(t, path, func(cfg *Config) {
		level.Set(log.ParseLevel(cfg.Log.Level))
	})

	staging := filepath.Join(dir, "batond.yaml.tmp")
	require.NoError(t, os.WriteFile(staging, []byte("log:\n  level: error\n"), 0o600))
	require.NoError(t, os.Rename(staging, path))

	require.Eventually(t, func() bool {
		return level.Level() == slog.LevelError
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsSettingsOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	level := new(slog.LevelVar)
	startWatcher(t, path, func(cfg *Config) {
		level.Set(log.ParseLevel(cfg.Log.Level))
	})

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o600))

	require.Never(t, func() bool {
		return level.Level() != slog.LevelInfo
	}, 300*time.Millisecond, 25*time.Millisecond)

	// A later valid write still lands.
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	require.Eventually(t, func() bool {
		return level.Level() == slog.LevelDebug
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	applied := make(chan struct{}, 8)
	startWatcher(t, path, func(*Config) {
		applied <- struct{}{}
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.yaml"), []byte("log:\n  level: debug\n"), 0o600))

	select {
	case <-applied:
		t.Fatal("apply fired for a sibling file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStopReleasesHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batond.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	w, err := NewWatcher(path, func(*Config) {},
		WithWatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	w.Start(context.Background())
	require.NoError(t, w.Stop())
}
