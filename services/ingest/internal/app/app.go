package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"digibook/pkg/domain"
	"digibook/pkg/events"
	"digibook/pkg/lock"
	"digibook/pkg/ocr"
	"digibook/pkg/queue"
	"digibook/pkg/raster"
	"digibook/pkg/storage"
	"digibook/pkg/store"
)

var (
	ErrNotFound     = errors.New("book not found")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrLocked       = errors.New("book is being processed")
)

const (
	DefaultEmbeddingDim = 64
	DefaultLockTTL      = 2 * time.Minute
	PreviewRunes        = 500
)

// Rasterizer renders every page of a PDF into outDir.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outDir string) ([]raster.Page, error)
}

// NativeExtractor reads the embedded text layer of a PDF.
type NativeExtractor interface {
	Extract(ctx context.Context, pdfPath string) (NativeText, error)
}

// JobQueue accepts asynchronous runs.
type JobQueue interface {
	Enqueue(ctx context.Context, bookID, sourcePath string, languages []string) (queue.IngestJob, error)
}

// Config holds runtime configuration.
type Config struct {
	Store      store.Store
	Images     storage.BlobStore
	Rasterizer Rasterizer
	// RasterRequired makes a rasterization failure fatal for native runs too.
	RasterRequired bool
	Native         NativeExtractor
	Engines        map[domain.ExtractionMethod]ocr.Engine
	Pool           *ocr.Pool
	Locker         lock.Locker
	LockTTL        time.Duration
	Events         events.Publisher
	Queue          JobQueue
	WorkspaceDir   string
	EmbeddingDim   int
}

// App runs ingestion and serves the resulting books.
type App struct {
	store          store.Store
	images         storage.BlobStore
	thumbs         storage.BlobStore
	rasterizer     Rasterizer
	rasterRequired bool
	native         NativeExtractor
	engines        map[domain.ExtractionMethod]ocr.Engine
	pool           *ocr.Pool
	locker         lock.Locker
	lockTTL        time.Duration
	events         events.Publisher
	queue          JobQueue
	workspaceDir   string
	embeddingDim   int
}

// New constructs the ingest core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Images == nil {
		return nil, errors.New("image store required")
	}
	if cfg.Rasterizer == nil {
		return nil, errors.New("rasterizer required")
	}
	if cfg.Native == nil {
		return nil, errors.New("native extractor required")
	}
	if strings.TrimSpace(cfg.WorkspaceDir) == "" {
		return nil, errors.New("workspace dir required")
	}
	for method := range cfg.Engines {
		if !method.UsesOCR() {
			return nil, fmt.Errorf("engine registered for non-OCR method %q", method)
		}
	}
	a := &App{
		store:          cfg.Store,
		images:         cfg.Images,
		rasterizer:     cfg.Rasterizer,
		rasterRequired: cfg.RasterRequired,
		native:         cfg.Native,
		engines:        cfg.Engines,
		pool:           cfg.Pool,
		locker:         cfg.Locker,
		lockTTL:        cfg.LockTTL,
		events:         cfg.Events,
		queue:          cfg.Queue,
		workspaceDir:   cfg.WorkspaceDir,
		embeddingDim:   cfg.EmbeddingDim,
	}
	if a.pool == nil {
		a.pool = ocr.NewPool(0, 0)
	}
	if a.locker == nil {
		a.locker = lock.NewMemoryLocker()
	}
	if a.lockTTL <= 0 {
		a.lockTTL = DefaultLockTTL
	}
	if a.events == nil {
		a.events = events.Noop{}
	}
	if a.embeddingDim <= 0 {
		a.embeddingDim = DefaultEmbeddingDim
	}
	a.thumbs = storage.NewInlineBlobStore("database", thumbnailRecord{store: a.store})
	return a, nil
}

// Methods lists the extraction methods this instance can run.
func (a *App) Methods() []domain.ExtractionMethod {
	methods := []domain.ExtractionMethod{domain.MethodNative}
	for _, m := range []domain.ExtractionMethod{domain.MethodLatinOCR, domain.MethodAsianOCR, domain.MethodArabicOCR} {
		if a.engines[m] != nil {
			methods = append(methods, m)
		}
	}
	return methods
}

func (a *App) supports(method domain.ExtractionMethod) bool {
	return !method.UsesOCR() || a.engines[method] != nil
}

func (a *App) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = time.Now().UTC()
	if err := a.events.Publish(context.WithoutCancel(ctx), e); err != nil {
		loggerFor(ctx, e.BookID).Warn("publish event failed", "type", e.Type, "err", err)
	}
}

func lockKey(bookID string) string {
	return "book:" + bookID
}
