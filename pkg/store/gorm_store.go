package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"digibook/pkg/domain"
)

const migrateLockID int64 = 51807414

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &PageModel{}, &ImageModel{}, &ProgressModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'page_models'
					AND constraint_name = 'page_models_book_id_fkey'
				) THEN
					ALTER TABLE page_models
					ADD CONSTRAINT page_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'image_models'
					AND constraint_name = 'image_models_book_id_fkey'
				) THEN
					ALTER TABLE image_models
					ADD CONSTRAINT image_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'progress_models'
					AND constraint_name = 'progress_models_book_id_fkey'
				) THEN
					ALTER TABLE progress_models
					ADD CONSTRAINT progress_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure book foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateBook inserts a new book. Existing IDs are rejected.
func (s *GormStore) CreateBook(b domain.Book) error {
	model := bookToModel(b)
	if err := s.db.Create(&model).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooksByOwner returns books filtered by owner, oldest first.
func (s *GormStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// UpdateBook applies user-editable metadata.
func (s *GormStore) UpdateBook(id string, update domain.BookUpdate) (domain.Book, error) {
	var out domain.Book
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		book := bookFromModel(model)
		update.Apply(&book)
		book.UpdatedAt = time.Now().UTC()
		if err := tx.Model(&BookModel{}).Where("id = ?", id).Updates(map[string]any{
			"title":       book.Title,
			"author":      book.Author,
			"description": book.Description,
			"genre":       book.Genre,
			"summary":     book.Summary,
			"is_public":   book.IsPublic,
			"updated_at":  book.UpdatedAt,
		}).Error; err != nil {
			return err
		}
		out = book
		return nil
	})
	return out, err
}

// SetThumbnail stores the inline thumbnail bytes on the book row.
func (s *GormStore) SetThumbnail(id string, data []byte, format string) error {
	return s.updateBook(id, "", map[string]any{
		"thumbnail":        data,
		"thumbnail_format": format,
		"updated_at":       time.Now().UTC(),
	})
}

// CompleteBook writes totals and moves a processing book to completed.
func (s *GormStore) CompleteBook(id string, totals domain.BookTotals) error {
	return s.updateBook(id, domain.StatusProcessing, map[string]any{
		"total_pages":   totals.Pages,
		"total_words":   totals.Words,
		"total_images":  totals.Images,
		"confidence":    totals.Confidence,
		"status":        string(domain.StatusCompleted),
		"error_message": "",
		"updated_at":    time.Now().UTC(),
	})
}

// FailBook moves a processing book to failed.
func (s *GormStore) FailBook(id string, errMsg string) error {
	return s.updateBook(id, domain.StatusProcessing, map[string]any{
		"status":        string(domain.StatusFailed),
		"error_message": errMsg,
		"updated_at":    time.Now().UTC(),
	})
}

func (s *GormStore) updateBook(id string, requireStatus domain.BookStatus, updates map[string]any) error {
	tx := s.db.Model(&BookModel{}).Where("id = ?", id)
	if requireStatus != "" {
		tx = tx.Where("status = ?", string(requireStatus))
	}
	res := tx.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missingOrTerminal(id)
	}
	return nil
}

func (s *GormStore) missingOrTerminal(id string) error {
	var count int64
	if err := s.db.Model(&BookModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrBookNotFound
	}
	return ErrNotProcessing
}

// DeleteBook removes book, pages, images and progress in one transaction.
func (s *GormStore) DeleteBook(id string) ([]domain.Image, error) {
	var removed []domain.Image
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var images []ImageModel
		if err := tx.Where("book_id = ?", id).Order("page_number ASC").Find(&images).Error; err != nil {
			return err
		}
		if err := tx.Delete(&PageModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ImageModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ProgressModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&BookModel{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrBookNotFound
		}
		removed = make([]domain.Image, 0, len(images))
		for _, m := range images {
			removed = append(removed, imageFromModel(m))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// AddPage inserts an immutable page row.
func (s *GormStore) AddPage(p domain.Page) error {
	model, err := pageToModel(p)
	if err != nil {
		return err
	}
	if err := s.db.Create(&model).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetPage returns one page of a book.
func (s *GormStore) GetPage(bookID string, pageNumber int) (domain.Page, bool, error) {
	var model PageModel
	if err := s.db.First(&model, "book_id = ? AND page_number = ?", bookID, pageNumber).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Page{}, false, nil
		}
		return domain.Page{}, false, err
	}
	return pageFromModel(model), true, nil
}

// ListPages returns the pages of a book in page order.
func (s *GormStore) ListPages(bookID string) ([]domain.Page, error) {
	var models []PageModel
	if err := s.db.Where("book_id = ?", bookID).Order("page_number ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	pages := make([]domain.Page, 0, len(models))
	for _, m := range models {
		pages = append(pages, pageFromModel(m))
	}
	return pages, nil
}

// AddImage inserts an image row. The backing file must already exist.
func (s *GormStore) AddImage(img domain.Image) error {
	model := imageToModel(img)
	if err := s.db.Create(&model).Error; err != nil {
		return translate(err)
	}
	return nil
}

// ListImages returns the image rows of a book in page order.
func (s *GormStore) ListImages(bookID string) ([]domain.Image, error) {
	var models []ImageModel
	if err := s.db.Where("book_id = ?", bookID).Order("page_number ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	images := make([]domain.Image, 0, len(models))
	for _, m := range models {
		images = append(images, imageFromModel(m))
	}
	return images, nil
}

// resumeCursor keeps the stored cursor when a processing run is saved again.
const resumeCursor = `CASE WHEN progress_models.status = 'processing' AND EXCLUDED.status = 'processing'
THEN GREATEST(progress_models.current_page, EXCLUDED.current_page)
ELSE EXCLUDED.current_page END`

// SaveProgress creates or replaces the progress record of a run. Saving over
// a run that is still processing keeps the further of the two cursors.
func (s *GormStore) SaveProgress(p domain.Progress) error {
	model := progressToModel(p)
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.Set{
			{Column: clause.Column{Name: "user_id"}, Value: gorm.Expr("EXCLUDED.user_id")},
			{Column: clause.Column{Name: "total_pages"}, Value: gorm.Expr("EXCLUDED.total_pages")},
			{Column: clause.Column{Name: "current_page"}, Value: gorm.Expr(resumeCursor)},
			{Column: clause.Column{Name: "status"}, Value: gorm.Expr("EXCLUDED.status")},
			{Column: clause.Column{Name: "extraction_method"}, Value: gorm.Expr("EXCLUDED.extraction_method")},
			{Column: clause.Column{Name: "updated_at"}, Value: gorm.Expr("EXCLUDED.updated_at")},
		},
	}).Create(&model).Error
	return translate(err)
}

// AdvanceProgress moves the page cursor forward on a processing run.
func (s *GormStore) AdvanceProgress(bookID string, currentPage int) error {
	res := s.db.Model(&ProgressModel{}).
		Where("book_id = ? AND status = ? AND current_page <= ?", bookID, string(domain.StatusProcessing), currentPage).
		Updates(map[string]any{
			"current_page": currentPage,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// FinishProgress moves a processing run to a terminal status.
func (s *GormStore) FinishProgress(bookID string, status domain.BookStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("progress status %q is not terminal", status)
	}
	res := s.db.Model(&ProgressModel{}).
		Where("book_id = ? AND status = ?", bookID, string(domain.StatusProcessing)).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotProcessing
	}
	return nil
}

// GetProgress returns the progress record of a book.
func (s *GormStore) GetProgress(bookID string) (domain.Progress, bool, error) {
	var model ProgressModel
	if err := s.db.First(&model, "book_id = ?", bookID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Progress{}, false, nil
		}
		return domain.Progress{}, false, err
	}
	return progressFromModel(model), true, nil
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrBookNotFound, err)
	}
	return err
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:               b.ID,
		OwnerID:          b.OwnerID,
		Title:            b.Title,
		Author:           b.Author,
		Description:      b.Description,
		Genre:            b.Genre,
		Summary:          b.Summary,
		UploaderName:     b.UploaderName,
		UploaderUsername: b.UploaderUsername,
		TotalPages:       b.TotalPages,
		TotalWords:       b.TotalWords,
		TotalImages:      b.TotalImages,
		Status:           string(b.Status),
		ExtractionMethod: string(b.ExtractionMethod),
		Confidence:       b.Confidence,
		Thumbnail:        b.Thumbnail,
		ThumbnailFormat:  b.ThumbnailFormat,
		IsPublic:         b.IsPublic,
		ErrorMessage:     b.ErrorMessage,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		Title:            m.Title,
		Author:           m.Author,
		Description:      m.Description,
		Genre:            m.Genre,
		Summary:          m.Summary,
		UploaderName:     m.UploaderName,
		UploaderUsername: m.UploaderUsername,
		TotalPages:       m.TotalPages,
		TotalWords:       m.TotalWords,
		TotalImages:      m.TotalImages,
		Status:           domain.BookStatus(m.Status),
		ExtractionMethod: domain.ExtractionMethod(m.ExtractionMethod),
		Confidence:       m.Confidence,
		Thumbnail:        m.Thumbnail,
		ThumbnailFormat:  m.ThumbnailFormat,
		IsPublic:         m.IsPublic,
		ErrorMessage:     m.ErrorMessage,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func pageToModel(p domain.Page) (PageModel, error) {
	var embedding datatypes.JSON
	if len(p.Embedding) > 0 {
		raw, err := json.Marshal(p.Embedding)
		if err != nil {
			return PageModel{}, fmt.Errorf("encode embedding: %w", err)
		}
		embedding = raw
	}
	return PageModel{
		BookID:           p.BookID,
		PageNumber:       p.PageNumber,
		Text:             p.Text,
		Confidence:       p.Confidence,
		ExtractionMethod: string(p.ExtractionMethod),
		Embedding:        embedding,
		CreatedAt:        p.CreatedAt,
	}, nil
}

func pageFromModel(m PageModel) domain.Page {
	var embedding []float32
	if len(m.Embedding) > 0 {
		_ = json.Unmarshal(m.Embedding, &embedding)
	}
	return domain.Page{
		BookID:           m.BookID,
		PageNumber:       m.PageNumber,
		Text:             m.Text,
		Confidence:       m.Confidence,
		ExtractionMethod: domain.ExtractionMethod(m.ExtractionMethod),
		Embedding:        embedding,
		CreatedAt:        m.CreatedAt,
	}
}

func imageToModel(img domain.Image) ImageModel {
	return ImageModel{
		BookID:     img.BookID,
		PageNumber: img.PageNumber,
		Path:       img.Path,
		Format:     img.Format,
		Width:      img.Width,
		Height:     img.Height,
		SizeBytes:  img.SizeBytes,
		CreatedAt:  img.CreatedAt,
	}
}

func imageFromModel(m ImageModel) domain.Image {
	return domain.Image{
		BookID:     m.BookID,
		PageNumber: m.PageNumber,
		Path:       m.Path,
		Format:     m.Format,
		Width:      m.Width,
		Height:     m.Height,
		SizeBytes:  m.SizeBytes,
		CreatedAt:  m.CreatedAt,
	}
}

func progressToModel(p domain.Progress) ProgressModel {
	return ProgressModel{
		BookID:           p.BookID,
		UserID:           p.UserID,
		TotalPages:       p.TotalPages,
		CurrentPage:      p.CurrentPage,
		Status:           string(p.Status),
		ExtractionMethod: string(p.ExtractionMethod),
		UpdatedAt:        p.UpdatedAt,
	}
}

func progressFromModel(m ProgressModel) domain.Progress {
	return domain.Progress{
		BookID:           m.BookID,
		UserID:           m.UserID,
		TotalPages:       m.TotalPages,
		CurrentPage:      m.CurrentPage,
		Status:           domain.BookStatus(m.Status),
		ExtractionMethod: domain.ExtractionMethod(m.ExtractionMethod),
		UpdatedAt:        m.UpdatedAt,
	}
}
