package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"digibook/pkg/domain"
	"digibook/pkg/lock"
	"digibook/pkg/ocr"
	"digibook/pkg/queue"
)

func TestIngestNativeSplitsLinesEvenly(t *testing.T) {
	env := newTestEnv(t)
	env.raster.pages = 10

	res, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodNative), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.TotalPages != 10 || res.Confidence != 1.0 {
		t.Fatalf("result pages=%d confidence=%v, want 10 and 1.0", res.TotalPages, res.Confidence)
	}
	if res.TotalWords != 200 {
		t.Fatalf("totalWords = %d, want 200", res.TotalWords)
	}
	pages, _ := env.store.ListPages(res.BookID)
	if len(pages) != 10 {
		t.Fatalf("pages = %d, want 10", len(pages))
	}
	if pages[3].Text != "line 30\nline 31\nline 32\nline 33\nline 34\nline 35\nline 36\nline 37\nline 38\nline 39" {
		t.Fatalf("page 4 text = %q", pages[3].Text)
	}
	for _, p := range pages {
		if p.Confidence != 1.0 || p.ExtractionMethod != domain.MethodNative {
			t.Fatalf("page %d = %+v", p.PageNumber, p)
		}
		if len(p.Embedding) != DefaultEmbeddingDim {
			t.Fatalf("page %d embedding dim = %d", p.PageNumber, len(p.Embedding))
		}
	}
	if len(env.engine.calls) != 0 {
		t.Fatalf("native run invoked OCR: %v", env.engine.calls)
	}
}

func TestIngestNativeWithoutRasterStillCompletes(t *testing.T) {
	env := newTestEnv(t)
	env.raster.err = errors.New("pdftoppm missing")

	res, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodNative), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.TotalImages != 0 || res.TotalPages != 10 {
		t.Fatalf("result images=%d pages=%d, want 0 and 10", res.TotalImages, res.TotalPages)
	}
	book, _, _ := env.store.GetBook(res.BookID)
	if book.Status != domain.StatusCompleted || book.Thumbnail != nil {
		t.Fatalf("book status=%s thumbnail=%d bytes", book.Status, len(book.Thumbnail))
	}
}

func TestIngestOCRKeepsFailedPages(t *testing.T) {
	env := newTestEnv(t)
	env.engine.outputs[2] = ocr.Failed("scripted", errors.New("engine crashed"))

	res, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != domain.StatusCompleted || res.TotalPages != 3 || res.TotalImages != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Debug.PageErrors) != 1 || res.Debug.PageErrors[0].Page != 2 || res.Debug.PageErrors[0].Success {
		t.Fatalf("page errors = %+v, want page 2 only", res.Debug.PageErrors)
	}
	if got, want := res.Confidence, (0.9+0+0.9)/3; got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("confidence = %v, want %v", got, want)
	}

	pages, _ := env.store.ListPages(res.BookID)
	if len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
	if pages[1].Text != "" || pages[1].Confidence != 0 {
		t.Fatalf("failed page = %+v, want empty text and zero confidence", pages[1])
	}
	images, _ := env.store.ListImages(res.BookID)
	if len(images) != 3 || images[1].Path != domain.ImageKey(res.BookID, 2, "png") {
		t.Fatalf("images = %+v", images)
	}
	if res.Storage.Thumbnail != "database" || res.Storage.PageImages != "filesystem: "+env.imageRoot+"/"+res.BookID+"/" {
		t.Fatalf("storage = %+v", res.Storage)
	}

	book, _, _ := env.store.GetBook(res.BookID)
	if book.Status != domain.StatusCompleted || book.TotalPages != 3 || book.TotalImages != 3 {
		t.Fatalf("book = %+v", book)
	}
	if len(book.Thumbnail) == 0 || book.ThumbnailFormat != "jpeg" {
		t.Fatalf("thumbnail = %d bytes (%q)", len(book.Thumbnail), book.ThumbnailFormat)
	}
	p, _, _ := env.store.GetProgress(res.BookID)
	if p.Status != domain.StatusCompleted || p.CurrentPage != 3 || p.TotalPages != 3 {
		t.Fatalf("progress = %+v", p)
	}
	if ws := env.workspaces(t); len(ws) != 0 {
		t.Fatalf("workspaces left behind: %v", ws)
	}
}

func TestIngestProcessesPagesInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.raster.pages = 5
	if _, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF)); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	for i, n := range env.engine.calls {
		if n != i+1 {
			t.Fatalf("calls = %v, want ascending pages", env.engine.calls)
		}
	}
}

func TestPersistImageWritesFileBeforeRecord(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(env.store.inserted) != 3 {
		t.Fatalf("inserted = %v", env.store.inserted)
	}
	for _, key := range env.store.inserted {
		if _, err := os.Stat(filepath.Join(env.imageRoot, filepath.FromSlash(key))); err != nil {
			t.Fatalf("image %s missing: %v", key, err)
		}
	}
	if _, err := env.app.PersistImage(context.Background(), domain.Image{BookID: res.BookID, PageNumber: 1, Format: "png"}, []byte("x")); err == nil {
		t.Fatalf("PersistImage() duplicate page accepted")
	}
}

func TestIngestRasterFailureFailsRun(t *testing.T) {
	env := newTestEnv(t)
	env.raster.err = errors.New("corrupt xref table")

	_, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("Ingest() err = %v, want *RunError", err)
	}
	if runErr.Stage != StageRasterize || !runErr.InputFault() || runErr.Cause() != "corrupt xref table" {
		t.Fatalf("run error = %+v", runErr)
	}
	book, ok, _ := env.store.GetBook(runErr.BookID)
	if !ok || book.Status != domain.StatusFailed || book.ErrorMessage == "" {
		t.Fatalf("book = %+v, want failed", book)
	}
	p, _, _ := env.store.GetProgress(runErr.BookID)
	if p.Status != domain.StatusFailed {
		t.Fatalf("progress status = %s, want failed", p.Status)
	}
	if ws := env.workspaces(t); len(ws) != 0 {
		t.Fatalf("workspaces left behind: %v", ws)
	}
}

func TestIngestCancellationAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.engine.onCall = func(page int) {
		if page == 2 {
			cancel()
		}
	}

	_, err := env.app.Ingest(ctx, ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StageCancel {
		t.Fatalf("Ingest() err = %v, want cancellation", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ingest() err = %v, want context.Canceled", err)
	}
	pages, _ := env.store.ListPages(runErr.BookID)
	if len(pages) != 1 {
		t.Fatalf("pages = %d, want 1", len(pages))
	}
	book, _, _ := env.store.GetBook(runErr.BookID)
	if book.Status != domain.StatusFailed {
		t.Fatalf("book status = %s, want failed", book.Status)
	}
	if _, err := env.locker.Acquire(context.Background(), lockKey(runErr.BookID), DefaultLockTTL); err != nil {
		t.Fatalf("writer lock not released: %v", err)
	}
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		req  IngestRequest
		body []byte
	}{
		{"not a pdf", ocrRequest(domain.MethodNative), []byte("hello")},
		{"missing title", IngestRequest{OwnerID: "user-1", Method: domain.MethodNative}, minimalPDF},
		{"unknown method", IngestRequest{OwnerID: "user-1", Title: "t", Method: "braille"}, minimalPDF},
		{"engine not configured", ocrRequest(domain.MethodArabicOCR), minimalPDF},
		{"bad language", IngestRequest{OwnerID: "user-1", Title: "t", Method: domain.MethodNative, Languages: []string{"zh-CN!"}}, minimalPDF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.app.Ingest(context.Background(), tc.req, bytes.NewReader(tc.body))
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Ingest() err = %v, want ErrInvalidInput", err)
			}
		})
	}
	if books, _ := env.store.ListBooksByOwner("user-1"); len(books) != 0 {
		t.Fatalf("books created for rejected input: %d", len(books))
	}
}

func TestBeginQueuesAndHandleJobCompletes(t *testing.T) {
	env := newTestEnv(t)
	req := ocrRequest(domain.MethodLatinOCR)
	req.Languages = []string{"eng"}

	acc, err := env.app.Begin(context.Background(), req, bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if acc.Status != domain.StatusProcessing || len(env.queue.jobs) != 1 {
		t.Fatalf("accepted = %+v, jobs = %d", acc, len(env.queue.jobs))
	}
	p, err := env.app.GetProgress(context.Background(), acc.BookID, "user-1")
	if err != nil || p.CurrentPage != 0 || p.Status != domain.StatusProcessing {
		t.Fatalf("progress = %+v, %v", p, err)
	}
	job := env.queue.jobs[0]
	if _, err := os.Stat(job.SourcePath); err != nil {
		t.Fatalf("staged upload missing: %v", err)
	}

	if err := env.app.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	book, _, _ := env.store.GetBook(acc.BookID)
	if book.Status != domain.StatusCompleted {
		t.Fatalf("book status = %s, want completed", book.Status)
	}
	if ws := env.workspaces(t); len(ws) != 0 {
		t.Fatalf("workspaces left behind: %v", ws)
	}
	if err := env.app.HandleJob(context.Background(), job); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("redelivered HandleJob() err = %v, want ErrInvalidInput", err)
	}
}

func TestHandleJobRetriesLockedBook(t *testing.T) {
	env := newTestEnv(t)
	acc, err := env.app.Begin(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	lease, err := env.locker.Acquire(context.Background(), lockKey(acc.BookID), DefaultLockTTL)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	job := env.queue.jobs[0]
	if err := env.app.HandleJob(context.Background(), job); !errors.Is(err, queue.ErrRetry) {
		t.Fatalf("HandleJob() err = %v, want ErrRetry", err)
	}
	if _, err := os.Stat(job.SourcePath); err != nil {
		t.Fatalf("staged upload removed before retry: %v", err)
	}
	_ = lease.Release(context.Background())
	if err := env.app.HandleJob(context.Background(), job); err != nil {
		t.Fatalf("HandleJob() after release error = %v", err)
	}
}

func TestBeginEnqueueFailureMarksBookFailed(t *testing.T) {
	env := newTestEnv(t)
	env.queue.err = errors.New("redis down")
	_, err := env.app.Begin(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StageQueue {
		t.Fatalf("Begin() err = %v, want queue failure", err)
	}
	book, _, _ := env.store.GetBook(runErr.BookID)
	if book.Status != domain.StatusFailed {
		t.Fatalf("book status = %s, want failed", book.Status)
	}
	if ws := env.workspaces(t); len(ws) != 0 {
		t.Fatalf("workspaces left behind: %v", ws)
	}
}

func TestLockBackendFailureMarksBookFailed(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Locker = brokenLocker{err: errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")}
	})

	_, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StageLock {
		t.Fatalf("Ingest() err = %v, want writer lock failure", err)
	}
	if errors.Is(err, ErrLocked) {
		t.Fatalf("Ingest() err = %v, backend failure reported as contention", err)
	}
	book, ok, _ := env.store.GetBook(runErr.BookID)
	if !ok || book.Status != domain.StatusFailed || book.ErrorMessage == "" {
		t.Fatalf("book = %+v, want failed", book)
	}
	p, _, _ := env.store.GetProgress(runErr.BookID)
	if p.Status != domain.StatusFailed {
		t.Fatalf("progress status = %s, want failed", p.Status)
	}
	if len(env.engine.calls) != 0 {
		t.Fatalf("engine ran without the writer lock: %v", env.engine.calls)
	}
}

func TestWriterLockHeldThroughSlowRasterization(t *testing.T) {
	const ttl = 300 * time.Millisecond
	env := newTestEnv(t, func(cfg *Config) { cfg.LockTTL = ttl })
	var contended error
	env.raster.slow = 3 * ttl
	env.raster.after = func() {
		book := env.onlyBook(t)
		lease, err := env.locker.Acquire(context.Background(), lockKey(book.ID), time.Minute)
		if err == nil {
			_ = lease.Release(context.Background())
		}
		contended = err
	}

	res, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !errors.Is(contended, lock.ErrLocked) {
		t.Fatalf("second writer Acquire() err = %v, want ErrLocked while the run is rasterizing", contended)
	}
	if res.Status != domain.StatusCompleted || res.TotalPages != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestLostWriterLockStopsRun(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Locker = stolenLocker{Locker: cfg.Locker}
		cfg.LockTTL = 30 * time.Millisecond
	})
	env.raster.slow = 2 * time.Second

	_, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StageLock || !errors.Is(err, lock.ErrLeaseLost) {
		t.Fatalf("Ingest() err = %v, want lost writer lock", err)
	}
	book, _, _ := env.store.GetBook(runErr.BookID)
	if book.Status != domain.StatusFailed {
		t.Fatalf("book status = %s, want failed", book.Status)
	}
	if pages, _ := env.store.ListPages(runErr.BookID); len(pages) != 0 {
		t.Fatalf("pages = %d written after the lock was lost", len(pages))
	}
}

func TestHandleJobResumesAfterStoredPages(t *testing.T) {
	env := newTestEnv(t)
	acc, err := env.app.Begin(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	// An earlier delivery stored page 1 and then died.
	if err := env.store.AddPage(domain.Page{BookID: acc.BookID, PageNumber: 1, Text: "first attempt", Confidence: 0.5, ExtractionMethod: domain.MethodLatinOCR}); err != nil {
		t.Fatalf("AddPage() error = %v", err)
	}
	if err := env.store.AdvanceProgress(acc.BookID, 1); err != nil {
		t.Fatalf("AdvanceProgress() error = %v", err)
	}

	if err := env.app.HandleJob(context.Background(), env.queue.jobs[0]); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	book, _, _ := env.store.GetBook(acc.BookID)
	if book.Status != domain.StatusCompleted || book.TotalPages != 3 || book.TotalImages != 3 {
		t.Fatalf("book = %+v, want completed with 3 pages and images", book)
	}
	if len(env.engine.calls) != 2 || env.engine.calls[0] != 2 || env.engine.calls[1] != 3 {
		t.Fatalf("engine calls = %v, want [2 3]", env.engine.calls)
	}
	pages, _ := env.store.ListPages(acc.BookID)
	if len(pages) != 3 || pages[0].Text != "first attempt" {
		t.Fatalf("pages = %+v", pages)
	}
	p, _, _ := env.store.GetProgress(acc.BookID)
	if p.Status != domain.StatusCompleted || p.CurrentPage != 3 {
		t.Fatalf("progress = %+v", p)
	}
}

func TestMissingImageAfterWriteIsPageError(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Images = vanishingBlobs{cfg.Images} })

	res, err := env.app.Ingest(context.Background(), ocrRequest(domain.MethodLatinOCR), bytes.NewReader(minimalPDF))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Status != domain.StatusCompleted || res.TotalPages != 3 || res.TotalImages != 0 {
		t.Fatalf("result = %+v, want completed with no images", res)
	}
	if len(res.Debug.PageErrors) != 3 {
		t.Fatalf("page errors = %+v, want one per page", res.Debug.PageErrors)
	}
	for _, pr := range res.Debug.PageErrors {
		if !pr.Success || !strings.Contains(pr.Error, "image not stored") {
			t.Fatalf("page error = %+v", pr)
		}
	}
	if images, _ := env.store.ListImages(res.BookID); len(images) != 0 {
		t.Fatalf("image rows = %+v, want none for missing blobs", images)
	}
	if pages, _ := env.store.ListPages(res.BookID); len(pages) != 3 {
		t.Fatalf("pages = %d, want 3", len(pages))
	}
}
