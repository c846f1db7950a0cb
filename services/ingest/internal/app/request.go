package app

import (
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"digibook/pkg/domain"
)

var languageCode = regexp.MustCompile(`^[a-z]{2,3}(_[a-z]{2,4})?$`)

// IngestRequest is the metadata bundle submitted with a PDF.
type IngestRequest struct {
	OwnerID          string
	UploaderName     string
	UploaderUsername string
	Title            string
	Author           string
	Description      string
	Genre            string
	Summary          string
	IsPublic         bool
	Method           domain.ExtractionMethod
	// Languages is only consulted by the Asian branch.
	Languages []string
}

func (r IngestRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OwnerID, validation.Required.Error("owner is required")),
		validation.Field(&r.Title,
			validation.Required.Error("title is required"),
			validation.RuneLength(1, 255),
		),
		validation.Field(&r.Author, validation.RuneLength(0, 255)),
		validation.Field(&r.Genre, validation.RuneLength(0, 100)),
		validation.Field(&r.Description, validation.RuneLength(0, 5000)),
		validation.Field(&r.Summary, validation.RuneLength(0, 5000)),
		validation.Field(&r.Method,
			validation.Required.Error("extraction method is required"),
			validation.In(domain.MethodNative, domain.MethodLatinOCR, domain.MethodAsianOCR, domain.MethodArabicOCR).
				Error("unknown extraction method"),
		),
		validation.Field(&r.Languages,
			validation.Length(0, 8),
			validation.Each(validation.Match(languageCode).Error("invalid language code")),
		),
	)
}

func (r IngestRequest) normalized() IngestRequest {
	r.Title = strings.TrimSpace(r.Title)
	r.Author = strings.TrimSpace(r.Author)
	r.Genre = strings.TrimSpace(r.Genre)
	langs := make([]string, 0, len(r.Languages))
	for _, l := range r.Languages {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			langs = append(langs, l)
		}
	}
	r.Languages = langs
	return r
}

func validateUpdate(u domain.BookUpdate) error {
	err := validation.ValidateStruct(&u,
		validation.Field(&u.Title,
			validation.When(u.Title != nil, validation.By(func(any) error {
				if strings.TrimSpace(*u.Title) == "" {
					return validation.NewError("validation_title_blank", "title cannot be blank")
				}
				return nil
			})),
			validation.RuneLength(1, 255),
		),
		validation.Field(&u.Author, validation.RuneLength(0, 255)),
		validation.Field(&u.Genre, validation.RuneLength(0, 100)),
		validation.Field(&u.Description, validation.RuneLength(0, 5000)),
		validation.Field(&u.Summary, validation.RuneLength(0, 5000)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
