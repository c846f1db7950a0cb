package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"digibook/internal/util"
	"digibook/pkg/domain"
	"digibook/pkg/events"
	"digibook/pkg/lock"
	"digibook/pkg/queue"
	"digibook/pkg/raster"
	"digibook/pkg/storage"
)

var pdfMagic = []byte("%PDF-")

// Stage names the step a run was in when it failed.
type Stage string

const (
	StageWorkspace Stage = "workspace"
	StageRasterize Stage = "rasterization"
	StageExtract   Stage = "text extraction"
	StagePersist   Stage = "persistence"
	StageQueue     Stage = "queueing"
	StageLock      Stage = "writer lock"
	StageCancel    Stage = "cancellation"
)

// RunError is a fatal failure of one ingestion run. The book and its
// progress have been marked failed when it is returned.
type RunError struct {
	BookID string
	Stage  Stage
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Message is the user-facing summary.
func (e *RunError) Message() string {
	return fmt.Sprintf("ingestion failed during %s", e.Stage)
}

// Cause is the proximate error.
func (e *RunError) Cause() string {
	return e.Err.Error()
}

// InputFault reports whether the document itself could not be processed.
func (e *RunError) InputFault() bool {
	return e.Stage == StageRasterize || e.Stage == StageExtract
}

// PageResult annotates one page of a run. Success covers the text; Error
// may also note a page image that could not be stored.
type PageResult struct {
	Page    int    `json:"page"`
	Success bool   `json:"success"`
	Engine  string `json:"engine,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StorageSummary tells callers where each asset class lives.
type StorageSummary struct {
	Thumbnail  string `json:"thumbnail"`
	PageImages string `json:"pageImages"`
}

type Debug struct {
	PageErrors []PageResult `json:"pageErrors,omitempty"`
}

// Result is returned for a completed run, including partially failed ones.
type Result struct {
	BookID           string                  `json:"bookId"`
	Status           domain.BookStatus       `json:"status"`
	ExtractionMethod domain.ExtractionMethod `json:"extractionMethod"`
	TotalPages       int                     `json:"totalPages"`
	TotalWords       int                     `json:"totalWords"`
	TotalImages      int                     `json:"totalImages"`
	Confidence       float64                 `json:"confidence"`
	Preview          string                  `json:"preview"`
	Storage          StorageSummary          `json:"storage"`
	Debug            Debug                   `json:"debug"`
}

// Accepted is returned when a run was queued.
type Accepted struct {
	BookID string            `json:"bookId"`
	JobID  string            `json:"jobId"`
	Status domain.BookStatus `json:"status"`
}

// Ingest runs the whole pipeline for pdf and returns when the book is
// completed or failed.
func (a *App) Ingest(ctx context.Context, req IngestRequest, pdf io.Reader) (Result, error) {
	req, err := a.prepare(req)
	if err != nil {
		return Result{}, err
	}
	ws, err := storage.NewTempWorkspace(a.workspaceDir)
	if err != nil {
		return Result{}, fmt.Errorf("acquire workspace: %w", err)
	}
	defer a.releaseWorkspace(ctx, ws)

	src, err := stageUpload(ws, pdf)
	if err != nil {
		return Result{}, err
	}
	book, err := a.createBook(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return a.run(ctx, book.ID, src, req.Languages, ws)
}

// Begin creates the book, stages the upload and queues the run.
func (a *App) Begin(ctx context.Context, req IngestRequest, pdf io.Reader) (Accepted, error) {
	if a.queue == nil {
		return Accepted{}, errors.New("async ingestion not configured")
	}
	req, err := a.prepare(req)
	if err != nil {
		return Accepted{}, err
	}
	ws, err := storage.NewTempWorkspace(a.workspaceDir)
	if err != nil {
		return Accepted{}, fmt.Errorf("acquire workspace: %w", err)
	}
	src, err := stageUpload(ws, pdf)
	if err != nil {
		a.releaseWorkspace(ctx, ws)
		return Accepted{}, err
	}
	book, err := a.createBook(ctx, req)
	if err != nil {
		a.releaseWorkspace(ctx, ws)
		return Accepted{}, err
	}
	job, err := a.queue.Enqueue(ctx, book.ID, src, req.Languages)
	if err != nil {
		a.releaseWorkspace(ctx, ws)
		runErr := &RunError{BookID: book.ID, Stage: StageQueue, Err: err}
		a.fail(ctx, book, runErr)
		return Accepted{}, runErr
	}
	return Accepted{BookID: book.ID, JobID: job.ID, Status: domain.StatusProcessing}, nil
}

// Run processes an already created book from a staged PDF.
func (a *App) Run(ctx context.Context, bookID, sourcePath string, languages []string) (Result, error) {
	return a.run(ctx, bookID, sourcePath, languages, nil)
}

// HandleJob is the queue handler for asynchronous runs. A book locked by
// another writer is retried; every other outcome is final.
func (a *App) HandleJob(ctx context.Context, job queue.IngestJob) error {
	_, err := a.Run(ctx, job.BookID, job.SourcePath, job.Languages)
	if errors.Is(err, ErrLocked) {
		return fmt.Errorf("%w: %v", queue.ErrRetry, err)
	}
	a.dropStaged(ctx, job.SourcePath)
	return err
}

// run holds the writer lock for the whole run. A nil ws gets a fresh workspace.
func (a *App) run(ctx context.Context, bookID, src string, languages []string, ws *storage.TempWorkspace) (Result, error) {
	logger := loggerFor(ctx, bookID)
	lease, err := a.locker.Acquire(ctx, lockKey(bookID), a.lockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return Result{}, fmt.Errorf("%w: %s", ErrLocked, bookID)
	}
	if err != nil {
		runErr := &RunError{BookID: bookID, Stage: StageLock, Err: fmt.Errorf("acquire writer lock: %w", err)}
		book, ok, loadErr := a.store.GetBook(bookID)
		if loadErr != nil || !ok {
			book = domain.Book{ID: bookID}
		} else if book.Status != domain.StatusProcessing {
			return Result{}, runErr
		}
		a.fail(ctx, book, runErr)
		return Result{}, runErr
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release writer lock failed", "err", err)
		}
	}()

	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		runErr := &RunError{BookID: bookID, Stage: StagePersist, Err: fmt.Errorf("load book: %w", err)}
		a.fail(ctx, domain.Book{ID: bookID}, runErr)
		return Result{}, runErr
	}
	if !ok {
		return Result{}, ErrNotFound
	}
	if book.Status != domain.StatusProcessing {
		return Result{}, fmt.Errorf("%w: book %s is already %s", ErrInvalidInput, bookID, book.Status)
	}

	if ws == nil {
		created, err := storage.NewTempWorkspace(a.workspaceDir)
		if err != nil {
			runErr := &RunError{BookID: book.ID, Stage: StageWorkspace, Err: err}
			a.fail(ctx, book, runErr)
			return Result{}, runErr
		}
		defer a.releaseWorkspace(ctx, created)
		ws = created
	}

	runCtx, stopKeeper := a.keepLease(ctx, lease, book.ID)
	start := time.Now()
	res, runErr := a.extract(runCtx, book, src, languages, ws)
	stopKeeper()
	if runErr != nil {
		a.fail(ctx, book, runErr)
		return Result{}, runErr
	}
	logger.Info("ingestion completed",
		"method", book.ExtractionMethod,
		"pages", res.TotalPages,
		"page_errors", len(res.Debug.PageErrors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// keepLease refreshes the writer lock every third of its TTL until the
// returned stop func is called. Losing the lock cancels the returned context
// with lock.ErrLeaseLost as its cause.
func (a *App) keepLease(ctx context.Context, lease lock.Lease, bookID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	interval := a.lockTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
			err := lease.Refresh(runCtx)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrLeaseLost):
				cancel(err)
				return
			case runCtx.Err() != nil:
				return
			default:
				loggerFor(ctx, bookID).Warn("refresh writer lock failed", "err", err)
			}
		}
	}()
	return runCtx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

// interrupted reports why ctx ended, or nil while the run may go on.
func interrupted(ctx context.Context, bookID string) *RunError {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, lock.ErrLeaseLost) {
		return &RunError{BookID: bookID, Stage: StageLock, Err: cause}
	}
	return &RunError{BookID: bookID, Stage: StageCancel, Err: cause}
}

func (a *App) extract(ctx context.Context, book domain.Book, src string, languages []string, ws *storage.TempWorkspace) (Result, *RunError) {
	logger := loggerFor(ctx, book.ID)
	method := book.ExtractionMethod
	fatal := func(stage Stage, err error) *RunError {
		return &RunError{BookID: book.ID, Stage: stage, Err: err}
	}
	if !a.supports(method) {
		return Result{}, fatal(StageExtract, fmt.Errorf("no engine configured for %s", method))
	}

	pagesDir, err := ws.NewDir("pages")
	if err != nil {
		return Result{}, fatal(StageWorkspace, err)
	}
	var (
		native  NativeText
		rasters []raster.Page
		total   int
	)
	if method.UsesOCR() {
		if rasters, err = a.rasterizer.Rasterize(ctx, src, pagesDir); err != nil {
			if runErr := interrupted(ctx, book.ID); runErr != nil {
				return Result{}, runErr
			}
			return Result{}, fatal(StageRasterize, err)
		}
		total = len(rasters)
	} else {
		if native, err = a.native.Extract(ctx, src); err != nil {
			if runErr := interrupted(ctx, book.ID); runErr != nil {
				return Result{}, runErr
			}
			return Result{}, fatal(StageExtract, err)
		}
		total = len(native.Pages)
		if rasters, err = a.rasterizer.Rasterize(ctx, src, pagesDir); err != nil {
			if runErr := interrupted(ctx, book.ID); runErr != nil {
				return Result{}, runErr
			}
			if a.rasterRequired {
				return Result{}, fatal(StageRasterize, err)
			}
			logger.Warn("rasterize native document failed, pages stored without images", "err", err)
			rasters = nil
		}
	}
	if runErr := interrupted(ctx, book.ID); runErr != nil {
		return Result{}, runErr
	}
	if total == 0 {
		return Result{}, fatal(StageExtract, errors.New("document has no pages"))
	}
	byIndex := make(map[int]raster.Page, len(rasters))
	for _, r := range rasters {
		byIndex[r.Index] = r
	}

	if err := a.store.SaveProgress(domain.Progress{
		BookID:           book.ID,
		UserID:           book.OwnerID,
		TotalPages:       total,
		Status:           domain.StatusProcessing,
		ExtractionMethod: method,
		UpdatedAt:        time.Now().UTC(),
	}); err != nil {
		return Result{}, fatal(StagePersist, fmt.Errorf("save progress: %w", err))
	}
	// A redelivered job resumes after the pages an earlier attempt stored.
	stored, storedImages, err := a.storedPages(book.ID)
	if err != nil {
		return Result{}, fatal(StagePersist, err)
	}

	var (
		texts      []string
		confSum    float64
		words      int
		imageCount int
		pageErrors []PageResult
	)
	for n := 1; n <= total; n++ {
		if runErr := interrupted(ctx, book.ID); runErr != nil {
			return Result{}, runErr
		}
		r, hasRaster := byIndex[n]
		page, done := stored[n]
		pr := PageResult{Page: n, Success: true}
		if !done {
			if err := a.store.AdvanceProgress(book.ID, n); err != nil {
				return Result{}, fatal(StagePersist, fmt.Errorf("advance progress to page %d: %w", n, err))
			}
			page, pr = a.extractPage(ctx, book, n, native, r, hasRaster, languages)
			if runErr := interrupted(ctx, book.ID); runErr != nil {
				return Result{}, runErr
			}
			if err := a.store.AddPage(page); err != nil {
				return Result{}, fatal(StagePersist, fmt.Errorf("store page %d: %w", n, err))
			}
		}
		if hasRaster {
			data, err := os.ReadFile(r.Path)
			if err != nil {
				return Result{}, fatal(StagePersist, fmt.Errorf("read page %d raster: %w", n, err))
			}
			if storedImages[n] {
				imageCount++
			} else {
				img := domain.Image{BookID: book.ID, PageNumber: n, Format: imageFormat(r.Path), Width: r.Width, Height: r.Height}
				switch _, err := a.PersistImage(ctx, img, data); {
				case err == nil:
					imageCount++
				case errors.Is(err, storage.ErrBlobNotFound):
					pr.Error = joinPageError(pr.Error, "image not stored: "+err.Error())
				default:
					return Result{}, fatal(StagePersist, err)
				}
			}
			if n == 1 {
				a.storeThumbnail(ctx, book.ID, data)
			}
		}
		if !pr.Success || pr.Error != "" {
			logger.Warn("page stored with errors", "page", n, "engine", pr.Engine, "err", pr.Error)
			pageErrors = append(pageErrors, pr)
		}
		texts = append(texts, page.Text)
		confSum += page.Confidence
		words += CountWords(page.Text)
	}

	totals := domain.BookTotals{
		Pages:      total,
		Words:      words,
		Images:     imageCount,
		Confidence: confSum / float64(total),
	}
	if err := a.store.CompleteBook(book.ID, totals); err != nil {
		return Result{}, fatal(StagePersist, fmt.Errorf("complete book: %w", err))
	}
	if err := a.store.FinishProgress(book.ID, domain.StatusCompleted); err != nil {
		logger.Warn("mark progress completed failed", "err", err)
	}
	a.publish(ctx, events.Event{
		Type:       events.TypeCompleted,
		BookID:     book.ID,
		OwnerID:    book.OwnerID,
		Method:     string(method),
		TotalPages: total,
	})

	return Result{
		BookID:           book.ID,
		Status:           domain.StatusCompleted,
		ExtractionMethod: method,
		TotalPages:       totals.Pages,
		TotalWords:       totals.Words,
		TotalImages:      totals.Images,
		Confidence:       totals.Confidence,
		Preview:          preview(texts),
		Storage: StorageSummary{
			Thumbnail:  a.thumbs.Location(book.ID),
			PageImages: a.images.Location(book.ID),
		},
		Debug: Debug{PageErrors: pageErrors},
	}, nil
}

// storedPages loads what an earlier attempt on the book already persisted.
func (a *App) storedPages(bookID string) (map[int]domain.Page, map[int]bool, error) {
	pages, err := a.store.ListPages(bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("load stored pages: %w", err)
	}
	images, err := a.store.ListImages(bookID)
	if err != nil {
		return nil, nil, fmt.Errorf("load stored images: %w", err)
	}
	byPage := make(map[int]domain.Page, len(pages))
	for _, p := range pages {
		byPage[p.PageNumber] = p
	}
	withImage := make(map[int]bool, len(images))
	for _, img := range images {
		withImage[img.PageNumber] = true
	}
	return byPage, withImage, nil
}

func joinPageError(existing, msg string) string {
	if existing == "" {
		return msg
	}
	return existing + "; " + msg
}

// extractPage never fails the run: engine failures come back as an empty
// page with a failed PageResult.
func (a *App) extractPage(ctx context.Context, book domain.Book, n int, native NativeText, r raster.Page, hasRaster bool, languages []string) (domain.Page, PageResult) {
	method := book.ExtractionMethod
	res := PageResult{Page: n}
	var (
		text       string
		confidence float64
	)
	switch {
	case !method.UsesOCR():
		text, confidence = native.Pages[n-1], native.Confidence
		res.Success, res.Engine = true, string(domain.MethodNative)
	case !hasRaster:
		res.Error = "page was not rasterized"
	default:
		out := a.pool.Recognize(ctx, a.engines[method], r.Path, languages)
		res.Engine = out.Engine
		if out.Success {
			text, confidence = out.Text, out.Confidence
			res.Success = true
		} else if out.Err != nil {
			res.Error = out.Err.Error()
		} else {
			res.Error = "recognition failed"
		}
	}
	text = Normalize(text)
	return domain.Page{
		BookID:           book.ID,
		PageNumber:       n,
		Text:             text,
		Confidence:       confidence,
		ExtractionMethod: method,
		Embedding:        Embed(text, a.embeddingDim),
		CreatedAt:        time.Now().UTC(),
	}, res
}

// PersistImage writes the page image, confirms the blob exists and only then
// inserts the Image row.
func (a *App) PersistImage(ctx context.Context, img domain.Image, data []byte) (domain.Image, error) {
	img.Path = domain.ImageKey(img.BookID, img.PageNumber, img.Format)
	img.SizeBytes = int64(len(data))
	if err := a.images.Put(ctx, img.Path, data, "image/"+img.Format); err != nil {
		return domain.Image{}, fmt.Errorf("write image %s: %w", img.Path, err)
	}
	ok, err := a.images.Exists(ctx, img.Path)
	if err != nil {
		return domain.Image{}, fmt.Errorf("verify image %s: %w", img.Path, err)
	}
	if !ok {
		return domain.Image{}, fmt.Errorf("verify image %s: %w", img.Path, storage.ErrBlobNotFound)
	}
	img.CreatedAt = time.Now().UTC()
	if err := a.store.AddImage(img); err != nil {
		return domain.Image{}, fmt.Errorf("store image %s: %w", img.Path, err)
	}
	return img, nil
}

func (a *App) storeThumbnail(ctx context.Context, bookID string, page []byte) {
	thumb, err := storage.RenderThumbnail(bytes.NewReader(page))
	if err == nil {
		err = a.thumbs.Put(ctx, bookID, thumb, "image/"+storage.ThumbnailFormat)
	}
	if err != nil {
		loggerFor(ctx, bookID).Warn("store thumbnail failed", "err", err)
	}
}

func (a *App) prepare(req IngestRequest) (IngestRequest, error) {
	req = req.normalized()
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !a.supports(req.Method) {
		return req, fmt.Errorf("%w: extraction method %s is not available", ErrInvalidInput, req.Method)
	}
	return req, nil
}

// createBook records the book and its progress before any page work so a
// failed run stays queryable.
func (a *App) createBook(ctx context.Context, req IngestRequest) (domain.Book, error) {
	now := time.Now().UTC()
	book := domain.Book{
		ID:               uuid.NewString(),
		OwnerID:          req.OwnerID,
		Title:            req.Title,
		Author:           req.Author,
		Description:      req.Description,
		Genre:            req.Genre,
		Summary:          req.Summary,
		UploaderName:     req.UploaderName,
		UploaderUsername: req.UploaderUsername,
		Status:           domain.StatusProcessing,
		ExtractionMethod: req.Method,
		IsPublic:         req.IsPublic,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.CreateBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("create book: %w", err)
	}
	if err := a.store.SaveProgress(domain.Progress{
		BookID:           book.ID,
		UserID:           book.OwnerID,
		Status:           domain.StatusProcessing,
		ExtractionMethod: book.ExtractionMethod,
		UpdatedAt:        now,
	}); err != nil {
		runErr := &RunError{BookID: book.ID, Stage: StagePersist, Err: fmt.Errorf("create progress: %w", err)}
		a.fail(ctx, book, runErr)
		return domain.Book{}, runErr
	}
	a.publish(ctx, events.Event{
		Type:    events.TypeProcessing,
		BookID:  book.ID,
		OwnerID: book.OwnerID,
		Method:  string(book.ExtractionMethod),
	})
	return book, nil
}

// fail marks the book and its progress failed. Both writes are best-effort.
func (a *App) fail(ctx context.Context, book domain.Book, runErr *RunError) {
	logger := loggerFor(ctx, book.ID)
	logger.Error("ingestion failed", "stage", runErr.Stage, "err", runErr.Err)
	if err := a.store.FailBook(book.ID, runErr.Error()); err != nil {
		logger.Warn("mark book failed failed", "err", err)
	}
	if err := a.store.FinishProgress(book.ID, domain.StatusFailed); err != nil {
		logger.Warn("mark progress failed failed", "err", err)
	}
	a.publish(ctx, events.Event{
		Type:    events.TypeFailed,
		BookID:  book.ID,
		OwnerID: book.OwnerID,
		Method:  string(book.ExtractionMethod),
		Error:   runErr.Error(),
	})
}

func (a *App) releaseWorkspace(ctx context.Context, ws *storage.TempWorkspace) {
	if err := ws.Release(); err != nil {
		util.LoggerFromContext(ctx).Warn("release workspace failed", "dir", ws.Dir(), "err", err)
	}
}

// dropStaged removes the workspace an async upload was staged in.
func (a *App) dropStaged(ctx context.Context, sourcePath string) {
	dir := filepath.Dir(sourcePath)
	if filepath.Dir(dir) != filepath.Clean(a.workspaceDir) || !strings.HasPrefix(filepath.Base(dir), storage.WorkspacePrefix) {
		return
	}
	if _, err := storage.RemovePaths([]string{dir}); err != nil {
		util.LoggerFromContext(ctx).Warn("remove staged upload failed", "dir", dir, "err", err)
	}
}

func stageUpload(ws *storage.TempWorkspace, r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(pdfMagic))
	if !bytes.Equal(head, pdfMagic) {
		return "", fmt.Errorf("%w: file is not a PDF", ErrInvalidInput)
	}
	path, err := ws.NewFile("source.pdf")
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if _, err := io.Copy(f, br); err != nil {
		f.Close()
		return "", fmt.Errorf("stage upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("stage upload: %w", err)
	}
	return path, nil
}

func imageFormat(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "jpg" {
		return "jpeg"
	}
	if ext == "" {
		return "png"
	}
	return ext
}

func preview(texts []string) string {
	joined := strings.TrimSpace(strings.Join(texts, "\n"))
	runes := []rune(joined)
	if len(runes) <= PreviewRunes {
		return joined
	}
	return string(runes[:PreviewRunes])
}

func loggerFor(ctx context.Context, bookID string) *slog.Logger {
	return util.LoggerFromContext(ctx).With("book_id", bookID)
}
