package domain

import (
	"fmt"
	"strings"
	"time"
)

// BookStatus is the processing state of a book and of its progress record.
type BookStatus string

const (
	StatusProcessing BookStatus = "processing"
	StatusCompleted  BookStatus = "completed"
	StatusFailed     BookStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s BookStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ExtractionMethod selects the text extraction chain for a run.
type ExtractionMethod string

const (
	MethodNative    ExtractionMethod = "native"
	MethodLatinOCR  ExtractionMethod = "latin-ocr"
	MethodAsianOCR  ExtractionMethod = "asian-ocr"
	MethodArabicOCR ExtractionMethod = "arabic-ocr"
)

// ParseExtractionMethod validates a user supplied method name.
func ParseExtractionMethod(raw string) (ExtractionMethod, error) {
	m := ExtractionMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case MethodNative, MethodLatinOCR, MethodAsianOCR, MethodArabicOCR:
		return m, nil
	case "":
		return MethodNative, nil
	}
	return "", fmt.Errorf("unknown extraction method %q", raw)
}

// UsesOCR reports whether the method needs rasterized pages for recognition.
func (m ExtractionMethod) UsesOCR() bool {
	return m != MethodNative
}

// Book is the root aggregate of an ingested document.
type Book struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"ownerId"`
	Title            string           `json:"title"`
	Author           string           `json:"author,omitempty"`
	Description      string           `json:"description,omitempty"`
	Genre            string           `json:"genre,omitempty"`
	Summary          string           `json:"summary,omitempty"`
	UploaderName     string           `json:"uploaderName,omitempty"`
	UploaderUsername string           `json:"uploaderUsername,omitempty"`
	TotalPages       int              `json:"totalPages"`
	TotalWords       int              `json:"totalWords"`
	TotalImages      int              `json:"totalImages"`
	Status           BookStatus       `json:"status"`
	ExtractionMethod ExtractionMethod `json:"extractionMethod"`
	Confidence       float64          `json:"confidence"`
	Thumbnail        []byte           `json:"-"`
	ThumbnailFormat  string           `json:"thumbnailFormat,omitempty"`
	IsPublic         bool             `json:"isPublic"`
	ErrorMessage     string           `json:"errorMessage,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// BookUpdate carries the fields an owner may edit after ingestion.
// Nil pointers leave the stored value untouched.
type BookUpdate struct {
	Title       *string `json:"title,omitempty"`
	Author      *string `json:"author,omitempty"`
	Description *string `json:"description,omitempty"`
	Genre       *string `json:"genre,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	IsPublic    *bool   `json:"isPublic,omitempty"`
}

// Apply copies the set fields onto b.
func (u BookUpdate) Apply(b *Book) {
	if u.Title != nil {
		b.Title = strings.TrimSpace(*u.Title)
	}
	if u.Author != nil {
		b.Author = strings.TrimSpace(*u.Author)
	}
	if u.Description != nil {
		b.Description = *u.Description
	}
	if u.Genre != nil {
		b.Genre = strings.TrimSpace(*u.Genre)
	}
	if u.Summary != nil {
		b.Summary = *u.Summary
	}
	if u.IsPublic != nil {
		b.IsPublic = *u.IsPublic
	}
}

// BookTotals are the counters written when a run completes.
type BookTotals struct {
	Pages      int
	Words      int
	Images     int
	Confidence float64
}

// Page is the extracted text of one page. Immutable once stored.
type Page struct {
	BookID           string           `json:"bookId"`
	PageNumber       int              `json:"pageNumber"`
	Text             string           `json:"text"`
	Confidence       float64          `json:"confidence"`
	ExtractionMethod ExtractionMethod `json:"extractionMethod"`
	Embedding        []float32        `json:"embedding,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Image points at the on-disk raster of one page.
type Image struct {
	BookID     string    `json:"bookId"`
	PageNumber int       `json:"pageNumber"`
	Path       string    `json:"path"`
	Format     string    `json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	SizeBytes  int64     `json:"sizeBytes"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ImageKey is the storage key of a page image relative to the image root.
func ImageKey(bookID string, pageNumber int, format string) string {
	return fmt.Sprintf("%s/page_%d.%s", bookID, pageNumber, strings.TrimPrefix(format, "."))
}

// Progress is the poll-able state of an ingestion run.
type Progress struct {
	BookID           string           `json:"bookId"`
	UserID           string           `json:"userId"`
	TotalPages       int              `json:"totalPages"`
	CurrentPage      int              `json:"currentPage"`
	Status           BookStatus       `json:"status"`
	ExtractionMethod ExtractionMethod `json:"extractionMethod"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Advance moves the cursor forward. It never moves backwards and never
// touches a finished run.
func (p *Progress) Advance(page int) bool {
	if p.Status.Terminal() || page < p.CurrentPage {
		return false
	}
	p.CurrentPage = page
	p.UpdatedAt = time.Now().UTC()
	return true
}

// Finish moves a processing run into a terminal status.
func (p *Progress) Finish(status BookStatus) bool {
	if p.Status.Terminal() || !status.Terminal() {
		return false
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return true
}
