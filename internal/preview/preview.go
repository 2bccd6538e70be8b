// Package preview mirrors the newest runner screenshot into the run log
// directory while a run executes.
package preview

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/testmind-dev/tmrun/internal/log"
)

// Layout inside the run log directory.
const (
	LiveDir    = "live"
	LatestFile = "latest.png"
)

// LatestPath returns <logDir>/live/latest.png.
func LatestPath(logDir string) string {
	return filepath.Join(logDir, LiveDir, LatestFile)
}

// Config holds preview settings.
type Config struct {
	// SourceDir is the runner's output directory. It is created if missing
	// and watched recursively.
	SourceDir string

	LogDir   string
	Debounce time.Duration
}

// DefaultConfig returns a config with a 250ms debounce.
func DefaultConfig(sourceDir, logDir string) Config {
	return Config{SourceDir: sourceDir, LogDir: logDir, Debounce: 250 * time.Millisecond}
}

// Preview watches SourceDir and copies the newest .png to LatestPath.
type Preview struct {
	cfg       Config
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	copyMu    sync.Mutex
}

// New creates a preview watcher.
func New(cfg Config) (*Preview, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Preview{
		cfg:       cfg,
		fsWatcher: fsw,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Start begins watching.
func (p *Preview) Start() error {
	if err := os.MkdirAll(p.cfg.SourceDir, 0o755); err != nil {
		return fmt.Errorf("creating preview source %s: %w", p.cfg.SourceDir, err)
	}
	if err := p.addTree(p.cfg.SourceDir); err != nil {
		return err
	}
	go p.loop()
	log.Debug(log.CatPreview, "Live preview started", "source", p.cfg.SourceDir)
	return nil
}

// Stop ends watching and performs one final copy.
func (p *Preview) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.done)
		err = p.fsWatcher.Close()
		<-p.stopped
		if _, cerr := p.CopyLatest(); cerr != nil {
			log.Warn(log.CatPreview, "Final preview copy failed", "error", cerr.Error())
		}
	})
	return err
}

func (p *Preview) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if werr := p.fsWatcher.Add(path); werr != nil {
				return fmt.Errorf("watching directory %s: %w", path, werr)
			}
		}
		return nil
	})
}

func (p *Preview) loop() {
	defer close(p.stopped)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case event, ok := <-p.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := p.addTree(event.Name); err != nil {
						log.Warn(log.CatPreview, "Failed to watch new directory", "path", event.Name, "error", err.Error())
					}
					continue
				}
			}
			if !isScreenshot(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(p.cfg.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cfg.Debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if _, err := p.CopyLatest(); err != nil {
				log.Warn(log.CatPreview, "Preview copy failed", "error", err.Error())
			}

		case err, ok := <-p.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatPreview, "Watcher error", "error", err.Error())

		case <-p.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func isScreenshot(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}
	return strings.EqualFold(filepath.Ext(event.Name), ".png")
}

// CopyLatest copies the newest screenshot to LatestPath. It returns false
// when no screenshot exists yet.
func (p *Preview) CopyLatest() (bool, error) {
	p.copyMu.Lock()
	defer p.copyMu.Unlock()

	src, ok := Newest(p.cfg.SourceDir)
	if !ok {
		return false, nil
	}
	dst := LatestPath(p.cfg.LogDir)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if err := copyFile(src, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Newest returns the most recently modified .png under dir.
func Newest(dir string) (string, bool) {
	var best string
	var bestTime time.Time
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".png") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = path, info.ModTime()
		}
		return nil
	})
	return best, best != ""
}

// copyFile writes through a temp file so readers never see a partial image.
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: runner output dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = in.Close() }()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp) //nolint:gosec // G304: run log dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
