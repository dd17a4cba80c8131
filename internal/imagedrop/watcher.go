// Package imagedrop uploads product images dropped into a local folder. A
// file named <productId>.<ext> is uploaded to that product once writes to it
// settle, then moved into the .uploaded subfolder.
package imagedrop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const uploadedDir = ".uploaded"

type Uploader interface {
	UploadProductImage(ctx context.Context, productID, filename string, content io.Reader) (string, error)
}

type Options struct {
	Dir           string
	Debounce      time.Duration
	UploadTimeout time.Duration
	Extensions    []string
	Logger        zerolog.Logger
}

type Watcher struct {
	uploader   Uploader
	dir        string
	doneDir    string
	debounce   time.Duration
	timeout    time.Duration
	extensions map[string]struct{}
	logger     zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	ready   chan string
	pending sync.WaitGroup
}

func New(uploader Uploader, opts Options) (*Watcher, error) {
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("image directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	doneDir := filepath.Join(abs, uploadedDir)
	if err := os.MkdirAll(doneDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	timeout := opts.UploadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{"png", "jpg", "jpeg", "webp", "gif"}
	}
	extensions := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		extensions["."+strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))] = struct{}{}
	}
	return &Watcher{
		uploader:   uploader,
		dir:        abs,
		doneDir:    doneDir,
		debounce:   debounce,
		timeout:    timeout,
		extensions: extensions,
		logger:     opts.Logger.With().Str("component", "imagedrop").Str("dir", abs).Logger(),
		timers:     map[string]*time.Timer{},
		ready:      make(chan string, 64),
	}, nil
}

// ProductID returns the product a dropped file targets, or false when the
// file is not an image drop.
func (w *Watcher) ProductID(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return "", false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if _, ok := w.extensions[ext]; !ok {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if id == "" {
		return "", false
	}
	return id, true
}

// ScanOnce uploads every image already in the folder.
func (w *Watcher) ScanOnce(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		w.process(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Run scans the folder, then uploads new drops until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	done := make(chan struct{})
	defer w.pending.Wait()
	defer close(done)
	defer w.stopTimers()

	if err := w.ScanOnce(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("initial image scan failed")
	}
	w.logger.Info().Msg("watching for image drops")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(event.Name, done)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("file watch error")
		case path := <-w.ready:
			w.process(ctx, path)
		}
	}
}

// schedule restarts the path's settle timer; the upload starts once no write
// has been seen for the debounce interval. A settled path is dropped once
// done is closed.
func (w *Watcher) schedule(path string, done <-chan struct{}) {
	if _, ok := w.ProductID(path); !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		if !timer.Reset(w.debounce) {
			// Already fired; the callback will run a second time.
			w.pending.Add(1)
		}
		return
	}
	w.pending.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.pending.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, timer := range w.timers {
		if timer.Stop() {
			w.pending.Done()
		}
		delete(w.timers, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	productID, ok := w.ProductID(path)
	if !ok {
		return
	}
	log := w.logger.With().Str("product_id", productID).Str("file", filepath.Base(path)).Logger()
	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Msg("cannot open dropped image")
		}
		return
	}
	uploadCtx, cancel := context.WithTimeout(ctx, w.timeout)
	imageURL, err := w.uploader.UploadProductImage(uploadCtx, productID, filepath.Base(path), file)
	cancel()
	_ = file.Close()
	if err != nil {
		log.Error().Err(err).Msg("image upload failed; leaving file in place")
		return
	}
	target := filepath.Join(w.doneDir, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		log.Warn().Err(err).Msg("uploaded image could not be moved")
	}
	log.Info().Str("url", imageURL).Msg("image uploaded")
}
