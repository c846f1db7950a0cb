package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"digibook/pkg/domain"
	"digibook/pkg/lock"
	"digibook/pkg/storage"
	"digibook/pkg/store"
)

// DeleteResult reports what a deletion removed.
type DeleteResult struct {
	BookID        string `json:"bookId"`
	ImagesDeleted int    `json:"imagesDeleted"`
	// FilesDeleted counts only blobs that actually existed.
	FilesDeleted int `json:"filesDeleted"`
}

// GetProgress returns the progress of a run owned by userID. Unknown books
// and books of other users are both reported as ErrNotFound.
func (a *App) GetProgress(_ context.Context, bookID, userID string) (domain.Progress, error) {
	p, ok, err := a.store.GetProgress(bookID)
	if err != nil {
		return domain.Progress{}, fmt.Errorf("load progress: %w", err)
	}
	if !ok || p.UserID != userID {
		return domain.Progress{}, ErrNotFound
	}
	return p, nil
}

// GetBook returns a book its owner or, for public books, anyone may read.
func (a *App) GetBook(_ context.Context, bookID, userID string) (domain.Book, error) {
	return a.readable(bookID, userID)
}

// ListBooks returns the books owned by userID.
func (a *App) ListBooks(_ context.Context, userID string) ([]domain.Book, error) {
	books, err := a.store.ListBooksByOwner(userID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// GetPage returns one extracted page.
func (a *App) GetPage(_ context.Context, bookID, userID string, pageNumber int) (domain.Page, error) {
	if _, err := a.readable(bookID, userID); err != nil {
		return domain.Page{}, err
	}
	p, ok, err := a.store.GetPage(bookID, pageNumber)
	if err != nil {
		return domain.Page{}, fmt.Errorf("load page: %w", err)
	}
	if !ok {
		return domain.Page{}, ErrNotFound
	}
	return p, nil
}

// OpenImage streams the page image stored under key. Only keys recorded in
// an Image row are served.
func (a *App) OpenImage(ctx context.Context, bookID, userID, key string) (io.ReadCloser, domain.Image, error) {
	if _, err := a.readable(bookID, userID); err != nil {
		return nil, domain.Image{}, err
	}
	images, err := a.store.ListImages(bookID)
	if err != nil {
		return nil, domain.Image{}, fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		if img.Path != key {
			continue
		}
		rc, err := a.images.Open(ctx, img.Path)
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, domain.Image{}, ErrNotFound
		}
		if err != nil {
			return nil, domain.Image{}, fmt.Errorf("open image: %w", err)
		}
		return rc, img, nil
	}
	return nil, domain.Image{}, ErrNotFound
}

// OpenThumbnail streams the inline thumbnail of a book.
func (a *App) OpenThumbnail(ctx context.Context, bookID, userID string) (io.ReadCloser, string, error) {
	book, err := a.readable(bookID, userID)
	if err != nil {
		return nil, "", err
	}
	rc, err := a.thumbs.Open(ctx, bookID)
	if errors.Is(err, storage.ErrBlobNotFound) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("open thumbnail: %w", err)
	}
	return rc, book.ThumbnailFormat, nil
}

// UpdateBook edits the user-facing metadata of an owned book.
func (a *App) UpdateBook(_ context.Context, bookID, userID string, update domain.BookUpdate) (domain.Book, error) {
	if _, err := a.owned(bookID, userID); err != nil {
		return domain.Book{}, err
	}
	if err := validateUpdate(update); err != nil {
		return domain.Book{}, err
	}
	book, err := a.store.UpdateBook(bookID, update)
	if errors.Is(err, store.ErrBookNotFound) {
		return domain.Book{}, ErrNotFound
	}
	if err != nil {
		return domain.Book{}, fmt.Errorf("update book: %w", err)
	}
	return book, nil
}

// DeleteBook removes an owned book with all of its rows, then every image
// blob and the book's image directory. A running ingestion blocks deletion.
func (a *App) DeleteBook(ctx context.Context, bookID, userID string) (DeleteResult, error) {
	if _, err := a.owned(bookID, userID); err != nil {
		return DeleteResult{}, err
	}
	lease, err := a.locker.Acquire(ctx, lockKey(bookID), a.lockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return DeleteResult{}, ErrLocked
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("acquire writer lock: %w", err)
	}
	logger := loggerFor(ctx, bookID)
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("release writer lock failed", "err", err)
		}
	}()

	images, err := a.store.DeleteBook(bookID)
	if errors.Is(err, store.ErrBookNotFound) {
		return DeleteResult{}, ErrNotFound
	}
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete book: %w", err)
	}

	res := DeleteResult{BookID: bookID, ImagesDeleted: len(images)}
	for _, img := range images {
		removed, err := a.images.Delete(ctx, img.Path)
		if err != nil {
			logger.Warn("delete image failed", "path", img.Path, "err", err)
			continue
		}
		if removed {
			res.FilesDeleted++
		}
	}
	leftovers, err := a.images.DeletePrefix(ctx, bookID)
	if err != nil {
		logger.Warn("delete image directory failed", "err", err)
	}
	res.FilesDeleted += leftovers
	logger.Info("book deleted", "images", res.ImagesDeleted, "files", res.FilesDeleted)
	return res, nil
}

func (a *App) readable(bookID, userID string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("load book: %w", err)
	}
	if !ok || (book.OwnerID != userID && !book.IsPublic) {
		return domain.Book{}, ErrNotFound
	}
	return book, nil
}

func (a *App) owned(bookID, userID string) (domain.Book, error) {
	book, err := a.readable(bookID, userID)
	if err != nil {
		return domain.Book{}, err
	}
	if book.OwnerID != userID {
		return domain.Book{}, ErrForbidden
	}
	return book, nil
}

// thumbnailRecord embeds thumbnails in the book row. Keys are book IDs.
type thumbnailRecord struct {
	store store.Store
}

func (r thumbnailRecord) Save(key string, data []byte, contentType string) error {
	return r.store.SetThumbnail(key, data, strings.TrimPrefix(contentType, "image/"))
}

func (r thumbnailRecord) Load(key string) ([]byte, bool, error) {
	book, ok, err := r.store.GetBook(key)
	if err != nil || !ok || len(book.Thumbnail) == 0 {
		return nil, false, err
	}
	return book.Thumbnail, true, nil
}

func (r thumbnailRecord) Clear(key string) (int, error) {
	book, ok, err := r.store.GetBook(key)
	if err != nil || !ok || len(book.Thumbnail) == 0 {
		return 0, err
	}
	if err := r.store.SetThumbnail(key, nil, ""); err != nil {
		return 0, err
	}
	return 1, nil
}
