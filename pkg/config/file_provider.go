package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TapFileProvider serves the parsed tap file and republishes it whenever the file changes.
type TapFileProvider struct {
	path        string
	logger      *slog.Logger
	mu          sync.RWMutex
	current     *TapFile
	subscribers []chan *TapFile
	watcher     *fsnotify.Watcher
	cancel      context.CancelFunc
	debounce    time.Duration
}

// NewTapFileProvider loads path and, when watch is true, starts watching it. The initial
// load must succeed; later reload failures are logged and the last good file is kept.
func NewTapFileProvider(path string, watch bool, logger *slog.Logger) (*TapFileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	p := &TapFileProvider{
		path:     absPath,
		logger:   logger,
		cancel:   func() {},
		debounce: 100 * time.Millisecond,
	}

	if err := p.load(); err != nil {
		return nil, err
	}

	if !watch {
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors replace files by rename, so the directory is watched rather than the file.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel

	go p.watchLoop(ctx)

	return p, nil
}

// Path returns the absolute path being served.
func (p *TapFileProvider) Path() string {
	return p.path
}

// Current returns the last successfully parsed tap file.
func (p *TapFileProvider) Current() *TapFile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives every reloaded tap file. The current file is
// delivered immediately.
func (p *TapFileProvider) Subscribe() <-chan *TapFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *TapFile, 1)
	p.subscribers = append(p.subscribers, ch)
	ch <- p.current
	return ch
}

// Close stops the watcher and cleans up resources.
func (p *TapFileProvider) Close() error {
	p.cancel()
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}

func (p *TapFileProvider) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if err := p.load(); err != nil {
						p.logger.Error("Tap file reload failed", "path", p.path, "error", err)
					} else {
						p.logger.Info("Tap file reloaded", "path", p.path)
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Tap file watcher error", "error", err)
		}
	}
}

func (p *TapFileProvider) load() error {
	file, err := LoadTapFile(p.path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.current = file
	subscribers := make([]chan *TapFile, len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- file:
		default:
			// Drain the stale value so the slow consumer sees the newest file.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- file:
			default:
			}
		}
	}

	return nil
}
