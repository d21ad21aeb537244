package matrixsource

import (
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
)

// Source is the ingestion worker's view of a matrix provider: TakePending
// returns the newly fetched matrix once, or nil if nothing changed since
// the last call (implements internal/ingest.MatrixSwap).
type Source interface {
	TakePending() *condition.Matrix
	Close() error
}

// FileSource watches a local YAML file and hands the ingestion worker a
// freshly parsed matrix whenever it changes. This is the contract stub
// spec §1 scopes the real collection-scheme manager out of — campaigns
// arrive from the cloud by some out-of-core-scope mechanism and land on
// disk in this format, or a developer hand-writes one for local testing.
type FileSource struct {
	path    string
	watcher *fsnotify.Watcher
	pending atomic.Pointer[condition.Matrix]
	done    chan struct{}
}

// NewFileSource loads path once and starts watching it for changes.
func NewFileSource(path string) (*FileSource, error) {
	fs := &FileSource{path: path, done: make(chan struct{})}
	if err := fs.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	fs.watcher = watcher
	go fs.watchLoop()
	return fs, nil
}

func (fs *FileSource) reload() error {
	raw, err := os.ReadFile(fs.path)
	if err != nil {
		return err
	}
	var dto matrixDTO
	if err := yaml.Unmarshal(raw, &dto); err != nil {
		return err
	}
	m, err := build(&dto)
	if err != nil {
		return err
	}
	fs.pending.Store(m)
	return nil
}

func (fs *FileSource) watchLoop() {
	for {
		select {
		case <-fs.done:
			return
		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := fs.reload(); err != nil {
				slog.Warn("matrixsource: reload failed, keeping previous matrix", "path", fs.path, "error", err)
			} else {
				slog.Info("matrixsource: matrix reloaded", "path", fs.path)
			}
		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("matrixsource: watcher error", "error", err)
		}
	}
}

// TakePending returns the freshly loaded matrix exactly once per change;
// subsequent calls return nil until the file changes again.
func (fs *FileSource) TakePending() *condition.Matrix {
	return fs.pending.Swap(nil)
}

// Close stops the file watcher.
func (fs *FileSource) Close() error {
	close(fs.done)
	if fs.watcher != nil {
		return fs.watcher.Close()
	}
	return nil
}
