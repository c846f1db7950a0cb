// Package tesseract provides the Latin-script adapter backed by libtesseract.
package tesseract

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"digibook/pkg/ocr"
)

// LatinLanguages is the fixed model set used for every Latin page.
var LatinLanguages = []string{"eng", "fra", "deu", "spa", "ita", "por"}

type client interface {
	SetImage(imagepath string) error
	SetLanguage(langs ...string) error
	Text() (string, error)
	GetBoundingBoxes(level gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error)
	Close() error
}

// LatinEngine recognizes Latin scripts through gosseract.
type LatinEngine struct {
	clientFactory func() client
}

// NewLatinEngine constructs a gosseract-backed engine.
func NewLatinEngine() *LatinEngine {
	return &LatinEngine{clientFactory: func() client { return gosseract.NewClient() }}
}

func (e *LatinEngine) Name() string { return "latin" }

// Recognize ignores the language hint; the Latin model set is fixed.
func (e *LatinEngine) Recognize(ctx context.Context, imagePath string, _ []string) ocr.Output {
	if err := ctx.Err(); err != nil {
		return ocr.Failed(e.Name(), err)
	}
	c := e.clientFactory()
	defer c.Close()
	if err := c.SetImage(imagePath); err != nil {
		return ocr.Failed(e.Name(), fmt.Errorf("set image: %w", err))
	}
	if err := c.SetLanguage(LatinLanguages...); err != nil {
		return ocr.Failed(e.Name(), fmt.Errorf("set languages: %w", err))
	}
	text, err := c.Text()
	if err != nil {
		return ocr.Failed(e.Name(), fmt.Errorf("recognize text: %w", err))
	}
	return ocr.Succeeded(e.Name(), ocr.CleanLatin(text), meanConfidence(c))
}

func meanConfidence(c client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)) / 100
}
