package store

import (
	"errors"

	"digibook/pkg/domain"
)

var (
	// ErrBookNotFound is returned when a child record references a missing book.
	ErrBookNotFound = errors.New("book not found")
	// ErrDuplicate is returned when a (book, page) record already exists.
	ErrDuplicate = errors.New("record already exists")
	// ErrNotProcessing is returned when a terminal run is mutated.
	ErrNotProcessing = errors.New("book is not processing")
)

// Store is the repository of the Book aggregate. Pages, images and progress
// are reachable only through their book and are removed with it.
type Store interface {
	// books
	CreateBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooksByOwner(ownerID string) ([]domain.Book, error)
	UpdateBook(id string, update domain.BookUpdate) (domain.Book, error)
	SetThumbnail(id string, data []byte, format string) error
	CompleteBook(id string, totals domain.BookTotals) error
	FailBook(id string, errMsg string) error
	// DeleteBook removes the book with all owned rows and returns the image
	// rows that were removed so their files can be cleaned up.
	DeleteBook(id string) ([]domain.Image, error)

	// pages
	AddPage(domain.Page) error
	GetPage(bookID string, pageNumber int) (domain.Page, bool, error)
	ListPages(bookID string) ([]domain.Page, error)

	// images
	AddImage(domain.Image) error
	ListImages(bookID string) ([]domain.Image, error)

	// progress
	SaveProgress(domain.Progress) error
	AdvanceProgress(bookID string, currentPage int) error
	FinishProgress(bookID string, status domain.BookStatus) error
	GetProgress(bookID string) (domain.Progress, bool, error)
}
