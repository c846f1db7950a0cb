package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"digibook/pkg/domain"
	"digibook/pkg/lock"
	"digibook/pkg/ocr"
	"digibook/pkg/queue"
	"digibook/pkg/raster"
	"digibook/pkg/storage"
	"digibook/pkg/store"
)

var minimalPDF = []byte("%PDF-1.4\n%fake body\n")

type fakeRasterizer struct {
	pages int
	err   error
	// slow holds Rasterize for that long, then calls after.
	slow  time.Duration
	after func()
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, _ string, outDir string) ([]raster.Page, error) {
	if f.slow > 0 {
		select {
		case <-time.After(f.slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.after != nil {
			f.after()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	var pages []raster.Page
	for i := 1; i <= f.pages; i++ {
		path := filepath.Join(outDir, fmt.Sprintf("page-%d.png", i))
		if err := os.WriteFile(path, pngBytes(40, 80), 0o600); err != nil {
			return nil, err
		}
		pages = append(pages, raster.Page{Index: i, Path: path, Width: 40, Height: 80})
	}
	return pages, nil
}

func pngBytes(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

type fakeNative struct {
	text NativeText
	err  error
}

func (f fakeNative) Extract(context.Context, string) (NativeText, error) {
	return f.text, f.err
}

// scriptedEngine answers page N with outputs[N-1], derived from the raster file name.
type scriptedEngine struct {
	mu      sync.Mutex
	outputs map[int]ocr.Output
	calls   []int
	onCall  func(page int)
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Recognize(_ context.Context, imagePath string, _ []string) ocr.Output {
	var n int
	fmt.Sscanf(strings.TrimSuffix(filepath.Base(imagePath), ".png"), "page-%d", &n)
	e.mu.Lock()
	e.calls = append(e.calls, n)
	e.mu.Unlock()
	if e.onCall != nil {
		e.onCall(n)
	}
	if out, ok := e.outputs[n]; ok {
		out.Engine = "scripted"
		return out
	}
	return ocr.Succeeded("scripted", fmt.Sprintf("text of page %d", n), 0.9)
}

type fakeQueue struct {
	jobs []queue.IngestJob
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, bookID, sourcePath string, languages []string) (queue.IngestJob, error) {
	if q.err != nil {
		return queue.IngestJob{}, q.err
	}
	job := queue.IngestJob{ID: fmt.Sprintf("job-%d", len(q.jobs)+1), BookID: bookID, SourcePath: sourcePath, Languages: languages}
	q.jobs = append(q.jobs, job)
	return job, nil
}

// orderCheckingStore fails AddImage when the image blob is not on disk yet.
type orderCheckingStore struct {
	*store.MemoryStore
	imageRoot string
	inserted  []string
}

func (s *orderCheckingStore) AddImage(img domain.Image) error {
	if _, err := os.Stat(filepath.Join(s.imageRoot, filepath.FromSlash(img.Path))); err != nil {
		return fmt.Errorf("image row before file: %w", err)
	}
	s.inserted = append(s.inserted, img.Path)
	return s.MemoryStore.AddImage(img)
}

type testEnv struct {
	app       *App
	store     *orderCheckingStore
	imageRoot string
	wsRoot    string
	engine    *scriptedEngine
	raster    *fakeRasterizer
	locker    *lock.MemoryLocker
	queue     *fakeQueue
}

func newTestEnv(t *testing.T, opts ...func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		imageRoot: filepath.Join(root, "images"),
		wsRoot:    filepath.Join(root, "work"),
		engine:    &scriptedEngine{outputs: map[int]ocr.Output{}},
		raster:    &fakeRasterizer{pages: 3},
		locker:    lock.NewMemoryLocker(),
		queue:     &fakeQueue{},
	}
	env.store = &orderCheckingStore{MemoryStore: store.NewMemoryStore(), imageRoot: env.imageRoot}
	images, err := storage.NewFilesystemBlobStore(env.imageRoot)
	if err != nil {
		t.Fatalf("NewFilesystemBlobStore() error = %v", err)
	}
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i)
	}
	cfg := Config{
		Store:      env.store,
		Images:     images,
		Rasterizer: env.raster,
		Native: fakeNative{text: NativeText{
			Text:       strings.Join(lines, "\n"),
			Pages:      splitLinesEvenly(lines, 10),
			Confidence: NativeConfidence,
		}},
		Engines: map[domain.ExtractionMethod]ocr.Engine{
			domain.MethodLatinOCR: env.engine,
		},
		Pool:         ocr.NewPool(2, 0),
		Locker:       env.locker,
		Queue:        env.queue,
		WorkspaceDir: env.wsRoot,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.app, err = New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return env
}

// onlyBook returns the single book owned by user-1.
func (e *testEnv) onlyBook(t *testing.T) domain.Book {
	t.Helper()
	books, err := e.store.ListBooksByOwner("user-1")
	if err != nil || len(books) != 1 {
		t.Fatalf("books = %d, %v; want exactly one", len(books), err)
	}
	return books[0]
}

type brokenLocker struct{ err error }

func (l brokenLocker) Acquire(context.Context, string, time.Duration) (lock.Lease, error) {
	return nil, l.err
}

// stolenLocker hands out leases that report ErrLeaseLost on refresh.
type stolenLocker struct{ lock.Locker }

func (l stolenLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	lease, err := l.Locker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return stolenLease{lease}, nil
}

type stolenLease struct{ lock.Lease }

func (stolenLease) Refresh(context.Context) error { return lock.ErrLeaseLost }

// vanishingBlobs accepts writes but never reports them as present.
type vanishingBlobs struct{ storage.BlobStore }

func (vanishingBlobs) Exists(context.Context, string) (bool, error) { return false, nil }

func (e *testEnv) workspaces(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.wsRoot)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("read workspace root: %v", err)
	}
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func ocrRequest(method domain.ExtractionMethod) IngestRequest {
	return IngestRequest{
		OwnerID:      "user-1",
		UploaderName: "Reader One",
		Title:        "  A Book ",
		Method:       method,
	}
}
