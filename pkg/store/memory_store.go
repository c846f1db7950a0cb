package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"digibook/pkg/domain"
)

type pageKey struct {
	bookID string
	page   int
}

// MemoryStore keeps the book aggregate in-process. Used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	books    map[string]domain.Book
	orders   []string
	pages    map[pageKey]domain.Page
	images   map[pageKey]domain.Image
	progress map[string]domain.Progress
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:    make(map[string]domain.Book),
		pages:    make(map[pageKey]domain.Page),
		images:   make(map[pageKey]domain.Image),
		progress: make(map[string]domain.Progress),
	}
}

// CreateBook stores a new book and tracks insertion order.
func (m *MemoryStore) CreateBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; exists {
		return fmt.Errorf("%w: book %s", ErrDuplicate, b.ID)
	}
	m.orders = append(m.orders, b.ID)
	m.books[b.ID] = cloneBook(b)
	return nil
}

// GetBook returns a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

// ListBooksByOwner returns books of one owner in insertion order.
func (m *MemoryStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0)
	for _, id := range m.orders {
		if b, ok := m.books[id]; ok && b.OwnerID == ownerID {
			res = append(res, cloneBook(b))
		}
	}
	return res, nil
}

// UpdateBook applies user-editable metadata.
func (m *MemoryStore) UpdateBook(id string, update domain.BookUpdate) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	update.Apply(&b)
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return cloneBook(b), nil
}

// SetThumbnail stores the inline thumbnail on the book.
func (m *MemoryStore) SetThumbnail(id string, data []byte, format string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	b.Thumbnail = append([]byte(nil), data...)
	b.ThumbnailFormat = format
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// CompleteBook writes totals and marks the book completed.
func (m *MemoryStore) CompleteBook(id string, totals domain.BookTotals) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	if b.Status != domain.StatusProcessing {
		return ErrNotProcessing
	}
	b.TotalPages = totals.Pages
	b.TotalWords = totals.Words
	b.TotalImages = totals.Images
	b.Confidence = totals.Confidence
	b.Status = domain.StatusCompleted
	b.ErrorMessage = ""
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// FailBook marks a processing book failed.
func (m *MemoryStore) FailBook(id string, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	if b.Status != domain.StatusProcessing {
		return ErrNotProcessing
	}
	b.Status = domain.StatusFailed
	b.ErrorMessage = errMsg
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// DeleteBook removes the book and everything it owns.
func (m *MemoryStore) DeleteBook(id string) ([]domain.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return nil, ErrBookNotFound
	}
	var removed []domain.Image
	for key, img := range m.images {
		if key.bookID == id {
			removed = append(removed, img)
			delete(m.images, key)
		}
	}
	for key := range m.pages {
		if key.bookID == id {
			delete(m.pages, key)
		}
	}
	delete(m.progress, id)
	delete(m.books, id)
	for i, bookID := range m.orders {
		if bookID == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].PageNumber < removed[j].PageNumber })
	return removed, nil
}

// AddPage inserts an immutable page.
func (m *MemoryStore) AddPage(p domain.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[p.BookID]; !ok {
		return ErrBookNotFound
	}
	key := pageKey{bookID: p.BookID, page: p.PageNumber}
	if _, exists := m.pages[key]; exists {
		return fmt.Errorf("%w: page %d of %s", ErrDuplicate, p.PageNumber, p.BookID)
	}
	p.Embedding = append([]float32(nil), p.Embedding...)
	m.pages[key] = p
	return nil
}

// GetPage returns one page.
func (m *MemoryStore) GetPage(bookID string, pageNumber int) (domain.Page, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[pageKey{bookID: bookID, page: pageNumber}]
	return p, ok, nil
}

// ListPages returns pages of a book in page order.
func (m *MemoryStore) ListPages(bookID string) ([]domain.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Page, 0)
	for key, p := range m.pages {
		if key.bookID == bookID {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PageNumber < res[j].PageNumber })
	return res, nil
}

// AddImage inserts an image row.
func (m *MemoryStore) AddImage(img domain.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[img.BookID]; !ok {
		return ErrBookNotFound
	}
	key := pageKey{bookID: img.BookID, page: img.PageNumber}
	if _, exists := m.images[key]; exists {
		return fmt.Errorf("%w: image %d of %s", ErrDuplicate, img.PageNumber, img.BookID)
	}
	m.images[key] = img
	return nil
}

// ListImages returns images of a book in page order.
func (m *MemoryStore) ListImages(bookID string) ([]domain.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Image, 0)
	for key, img := range m.images {
		if key.bookID == bookID {
			res = append(res, img)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PageNumber < res[j].PageNumber })
	return res, nil
}

// SaveProgress creates or replaces a progress record. Saving over a run that
// is still processing keeps the further of the two cursors.
func (m *MemoryStore) SaveProgress(p domain.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[p.BookID]; !ok {
		return ErrBookNotFound
	}
	if prev, ok := m.progress[p.BookID]; ok && prev.Status == domain.StatusProcessing &&
		p.Status == domain.StatusProcessing && prev.CurrentPage > p.CurrentPage {
		p.CurrentPage = prev.CurrentPage
	}
	m.progress[p.BookID] = p
	return nil
}

// AdvanceProgress moves the cursor of a processing run forward.
func (m *MemoryStore) AdvanceProgress(bookID string, currentPage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[bookID]
	if !ok || !p.Advance(currentPage) {
		return ErrNotProcessing
	}
	m.progress[bookID] = p
	return nil
}

// FinishProgress moves a processing run to a terminal status.
func (m *MemoryStore) FinishProgress(bookID string, status domain.BookStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[bookID]
	if !ok || !p.Finish(status) {
		return ErrNotProcessing
	}
	m.progress[bookID] = p
	return nil
}

// GetProgress returns the progress of a book.
func (m *MemoryStore) GetProgress(bookID string) (domain.Progress, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[bookID]
	return p, ok, nil
}

func cloneBook(b domain.Book) domain.Book {
	if b.Thumbnail != nil {
		b.Thumbnail = append([]byte(nil), b.Thumbnail...)
	}
	return b
}
