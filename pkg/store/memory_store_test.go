package store

import (
	"errors"
	"testing"
	"time"

	"digibook/pkg/domain"
)

func newTestBook(id string) domain.Book {
	now := time.Now().UTC()
	return domain.Book{
		ID:               id,
		OwnerID:          "user-1",
		Title:            "Sample",
		Status:           domain.StatusProcessing,
		ExtractionMethod: domain.MethodLatinOCR,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestMemoryStoreRejectsOrphanChildren(t *testing.T) {
	s := NewMemoryStore()
	if err := s.AddPage(domain.Page{BookID: "missing", PageNumber: 1}); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("AddPage() err = %v, want ErrBookNotFound", err)
	}
	if err := s.AddImage(domain.Image{BookID: "missing", PageNumber: 1}); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("AddImage() err = %v, want ErrBookNotFound", err)
	}
	if err := s.SaveProgress(domain.Progress{BookID: "missing"}); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("SaveProgress() err = %v, want ErrBookNotFound", err)
	}
}

func TestMemoryStoreImageUniquePerPage(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateBook(newTestBook("b1")); err != nil {
		t.Fatalf("CreateBook() error = %v", err)
	}
	img := domain.Image{BookID: "b1", PageNumber: 1, Path: domain.ImageKey("b1", 1, "png"), Format: "png"}
	if err := s.AddImage(img); err != nil {
		t.Fatalf("AddImage() error = %v", err)
	}
	if err := s.AddImage(img); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second AddImage() err = %v, want ErrDuplicate", err)
	}
}

func TestMemoryStoreProgressMovesForwardOnly(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateBook(newTestBook("b1")); err != nil {
		t.Fatalf("CreateBook() error = %v", err)
	}
	if err := s.SaveProgress(domain.Progress{BookID: "b1", UserID: "user-1", TotalPages: 3, Status: domain.StatusProcessing}); err != nil {
		t.Fatalf("SaveProgress() error = %v", err)
	}
	if err := s.AdvanceProgress("b1", 2); err != nil {
		t.Fatalf("AdvanceProgress(2) error = %v", err)
	}
	if err := s.AdvanceProgress("b1", 1); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("AdvanceProgress(1) err = %v, want ErrNotProcessing", err)
	}
	if err := s.FinishProgress("b1", domain.StatusCompleted); err != nil {
		t.Fatalf("FinishProgress() error = %v", err)
	}
	if err := s.FinishProgress("b1", domain.StatusFailed); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("FinishProgress(failed) after completed err = %v, want ErrNotProcessing", err)
	}
	p, ok, _ := s.GetProgress("b1")
	if !ok || p.CurrentPage != 2 || p.Status != domain.StatusCompleted {
		t.Fatalf("progress = %+v, want currentPage=2 status=completed", p)
	}
}

func TestMemoryStoreSaveProgressKeepsCursorOfProcessingRun(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateBook(newTestBook("b1")); err != nil {
		t.Fatalf("CreateBook() error = %v", err)
	}
	fresh := domain.Progress{BookID: "b1", UserID: "user-1", TotalPages: 3, Status: domain.StatusProcessing}
	if err := s.SaveProgress(fresh); err != nil {
		t.Fatalf("SaveProgress() error = %v", err)
	}
	if err := s.AdvanceProgress("b1", 2); err != nil {
		t.Fatalf("AdvanceProgress(2) error = %v", err)
	}
	if err := s.SaveProgress(fresh); err != nil {
		t.Fatalf("SaveProgress() again error = %v", err)
	}
	p, _, _ := s.GetProgress("b1")
	if p.CurrentPage != 2 {
		t.Fatalf("currentPage after resave = %d, want 2", p.CurrentPage)
	}
	if err := s.AdvanceProgress("b1", 3); err != nil {
		t.Fatalf("AdvanceProgress(3) error = %v", err)
	}
}

func TestMemoryStoreDeleteBookRemovesOwnedRows(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateBook(newTestBook("b1")); err != nil {
		t.Fatalf("CreateBook() error = %v", err)
	}
	if err := s.CreateBook(newTestBook("b2")); err != nil {
		t.Fatalf("CreateBook() error = %v", err)
	}
	for _, id := range []string{"b1", "b2"} {
		for n := 1; n <= 2; n++ {
			if err := s.AddPage(domain.Page{BookID: id, PageNumber: n, Text: "x"}); err != nil {
				t.Fatalf("AddPage() error = %v", err)
			}
			if err := s.AddImage(domain.Image{BookID: id, PageNumber: n, Path: domain.ImageKey(id, n, "png")}); err != nil {
				t.Fatalf("AddImage() error = %v", err)
			}
		}
		if err := s.SaveProgress(domain.Progress{BookID: id, Status: domain.StatusProcessing}); err != nil {
			t.Fatalf("SaveProgress() error = %v", err)
		}
	}

	removed, err := s.DeleteBook("b1")
	if err != nil {
		t.Fatalf("DeleteBook() error = %v", err)
	}
	if len(removed) != 2 || removed[0].PageNumber != 1 || removed[1].PageNumber != 2 {
		t.Fatalf("removed = %+v, want pages 1 and 2", removed)
	}
	if _, ok, _ := s.GetBook("b1"); ok {
		t.Fatalf("book b1 still present")
	}
	if pages, _ := s.ListPages("b1"); len(pages) != 0 {
		t.Fatalf("pages of b1 = %d, want 0", len(pages))
	}
	if _, ok, _ := s.GetProgress("b1"); ok {
		t.Fatalf("progress of b1 still present")
	}
	if pages, _ := s.ListPages("b2"); len(pages) != 2 {
		t.Fatalf("pages of b2 = %d, want 2", len(pages))
	}
	if _, err := s.DeleteBook("b1"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("second DeleteBook() err = %v, want ErrBookNotFound", err)
	}
}

func TestMemoryStoreCompleteOnlyFromProcessing(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateBook(newTestBook("b1")); err != nil {
		t.Fatalf("CreateBook() error = %v", err)
	}
	if err := s.FailBook("b1", "boom"); err != nil {
		t.Fatalf("FailBook() error = %v", err)
	}
	if err := s.CompleteBook("b1", domain.BookTotals{Pages: 1}); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("CompleteBook() after failure err = %v, want ErrNotProcessing", err)
	}
}
