package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	Title            string `gorm:"not null"`
	Author           string
	Description      string `gorm:"type:text"`
	Genre            string
	Summary          string `gorm:"type:text"`
	UploaderName     string
	UploaderUsername string
	TotalPages       int     `gorm:"not null;default:0"`
	TotalWords       int     `gorm:"not null;default:0"`
	TotalImages      int     `gorm:"not null;default:0"`
	Status           string  `gorm:"not null;index"`
	ExtractionMethod string  `gorm:"not null"`
	Confidence       float64 `gorm:"not null;default:0"`
	Thumbnail        []byte  `gorm:"type:bytea"`
	ThumbnailFormat  string
	IsPublic         bool `gorm:"not null;default:false"`
	ErrorMessage     string
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

type PageModel struct {
	BookID           string         `gorm:"primaryKey"`
	PageNumber       int            `gorm:"primaryKey;autoIncrement:false"`
	Text             string         `gorm:"type:text;not null"`
	Confidence       float64        `gorm:"not null"`
	ExtractionMethod string         `gorm:"not null"`
	Embedding        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
}

type ImageModel struct {
	BookID     string    `gorm:"primaryKey"`
	PageNumber int       `gorm:"primaryKey;autoIncrement:false"`
	Path       string    `gorm:"not null"`
	Format     string    `gorm:"not null"`
	Width      int       `gorm:"not null"`
	Height     int       `gorm:"not null"`
	SizeBytes  int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

type ProgressModel struct {
	BookID           string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index"`
	TotalPages       int    `gorm:"not null"`
	CurrentPage      int    `gorm:"not null"`
	Status           string `gorm:"not null"`
	ExtractionMethod string `gorm:"not null"`
	UpdatedAt        time.Time
}
