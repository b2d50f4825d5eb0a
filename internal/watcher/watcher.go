// Package watcher ingests documents dropped into an inbox directory.
//
// Files written into the inbox are picked up, added as documents and
// moved to an ingested subdirectory, so the inbox doubles as a simple
// file-based ingestion API: cp notes.md ~/.ragd/inbox/ and the document
// is indexed shortly after.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/velumlabs/ragd/internal/store"
)

// ingestedDir is where processed files are moved, relative to the inbox.
const ingestedDir = ".ingested"

// DefaultDebounce is how long a file must stay quiet before ingestion.
// Copies are not atomic; ingesting on the first write event would read
// half a file.
const DefaultDebounce = 500 * time.Millisecond

// Ingestor receives documents read from the inbox.
type Ingestor interface {
	AddDocument(ctx context.Context, doc *store.Document) (*store.Document, error)
}

// Options configures an inbox watcher.
type Options struct {
	// Dir is the inbox directory. Created if missing.
	Dir string

	// Debounce is the quiet period before a file is ingested.
	Debounce time.Duration

	// Extensions whitelists file extensions (lowercase, with dot).
	// Empty means the default set of plain-text types.
	Extensions []string

	Logger *slog.Logger
}

// InboxWatcher watches a flat directory and ingests dropped files.
type InboxWatcher struct {
	opts     Options
	ingestor Ingestor
	log      *slog.Logger
	exts     map[string]bool

	mu      sync.Mutex
	pending map[string]*time.Timer
	started bool

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewInboxWatcher creates a watcher feeding the ingestor.
func NewInboxWatcher(opts Options, ingestor Ingestor) *InboxWatcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{".txt", ".md", ".markdown", ".text"}
	}
	extSet := make(map[string]bool, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(e)] = true
	}
	return &InboxWatcher{
		opts:     opts,
		ingestor: ingestor,
		log:      opts.Logger,
		exts:     extSet,
		pending:  make(map[string]*time.Timer),
	}
}

// Start creates the inbox if needed, ingests files already present and
// begins watching for new ones.
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	if err := os.MkdirAll(filepath.Join(w.opts.Dir, ingestedDir), 0o755); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.opts.Dir); err != nil {
		_ = fsw.Close()
		return err
	}

	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.started = true

	go w.loop(ctx)

	// Files that arrived while the watcher was down.
	go w.sweepExisting(ctx)

	w.log.Info("inbox watcher started", slog.String("dir", w.opts.Dir))
	return nil
}

// Stop halts the watcher. Pending debounce timers are cancelled; their
// files are picked up by the startup sweep of the next run.
func (w *InboxWatcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	err := w.fsw.Close()
	<-doneCh
	w.log.Info("inbox watcher stopped")
	return err
}

func (w *InboxWatcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.schedule(ctx, ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("inbox watch error", slog.String("error", err.Error()))
		}
	}
}

// schedule (re)arms the debounce timer for a path. Every further write
// within the window pushes ingestion back.
func (w *InboxWatcher) schedule(ctx context.Context, path string) {
	if !w.wanted(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}

	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.opts.Debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		stillRunning := w.started
		w.mu.Unlock()
		if stillRunning {
			w.ingest(ctx, path)
		}
	})
}

// wanted filters out directories, dotfiles and unsupported extensions.
func (w *InboxWatcher) wanted(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return false
	}
	return w.exts[strings.ToLower(filepath.Ext(base))]
}

func (w *InboxWatcher) sweepExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		w.log.Warn("inbox sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.schedule(ctx, filepath.Join(w.opts.Dir, entry.Name()))
	}
}

// ingest reads the file, adds it as a document and moves the file out of
// the inbox. A failed add leaves the file in place for the next sweep.
func (w *InboxWatcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("inbox read failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}

	base := filepath.Base(path)
	doc := &store.Document{
		Title:       strings.TrimSuffix(base, filepath.Ext(base)),
		Content:     string(data),
		ContentType: contentType(path),
		Metadata:    map[string]string{"source": "inbox", "filename": base},
	}

	added, err := w.ingestor.AddDocument(ctx, doc)
	if err != nil {
		w.log.Warn("inbox ingestion failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}

	dest := filepath.Join(w.opts.Dir, ingestedDir, base)
	if err := os.Rename(path, dest); err != nil {
		w.log.Warn("failed to archive ingested file",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}

	w.log.Info("ingested inbox file",
		slog.String("file", base),
		slog.String("doc_id", added.ID))
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	default:
		return "text/plain"
	}
}
