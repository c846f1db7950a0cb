package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/ledongthuc/pdf"

	"digibook/pkg/raster"
)

// NativeConfidence is reported for every page read from the text layer.
const NativeConfidence = 1.0

// NativeText is the text layer of a document split into approximate pages.
type NativeText struct {
	Text       string
	Pages      []string
	Confidence float64
}

// PDFTextExtractor reads the whole text layer in one pass and divides its
// lines evenly across the page count. Page boundaries are approximate.
type PDFTextExtractor struct {
	// Pdftotext is tried first when set and installed; the Go library is the fallback.
	Pdftotext string
	run       func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewPDFTextExtractor returns an extractor preferring the given pdftotext binary.
func NewPDFTextExtractor(pdftotext string) *PDFTextExtractor {
	return &PDFTextExtractor{Pdftotext: strings.TrimSpace(pdftotext), run: runOutput}
}

func (e *PDFTextExtractor) Extract(ctx context.Context, path string) (NativeText, error) {
	pageCount, err := raster.PageCount(path)
	if err != nil {
		return NativeText{}, err
	}
	text, err := e.fullText(ctx, path)
	if err != nil {
		return NativeText{}, err
	}
	lines := flattenLines(text)
	return NativeText{
		Text:       strings.Join(lines, "\n"),
		Pages:      splitLinesEvenly(lines, pageCount),
		Confidence: NativeConfidence,
	}, nil
}

func (e *PDFTextExtractor) fullText(ctx context.Context, path string) (string, error) {
	// pdftotext handles complex and CJK layouts better than the Go library
	if e.Pdftotext != "" {
		if _, err := exec.LookPath(e.Pdftotext); err == nil {
			run := e.run
			if run == nil {
				run = runOutput
			}
			out, err := run(ctx, e.Pdftotext, "-layout", "-enc", "UTF-8", path, "-")
			if err == nil && strings.TrimSpace(string(out)) != "" {
				return string(out), nil
			}
		}
	}
	return plainText(path)
}

func plainText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf text: %v", r)
		}
	}()
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	rd, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(data), nil
}

func runOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// flattenLines returns the non-blank lines of text with form feeds dropped.
func flattenLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\f", "\n")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// splitLinesEvenly gives page i the lines [i*n, min((i+1)*n, len(lines)))
// where n = ceil(len(lines)/pageCount). Pages past the end are empty.
func splitLinesEvenly(lines []string, pageCount int) []string {
	if pageCount <= 0 {
		return nil
	}
	pages := make([]string, pageCount)
	perPage := (len(lines) + pageCount - 1) / pageCount
	if perPage == 0 {
		return pages
	}
	for i := range pages {
		start := i * perPage
		if start >= len(lines) {
			break
		}
		end := min(start+perPage, len(lines))
		pages[i] = strings.Join(lines[start:end], "\n")
	}
	return pages
}
