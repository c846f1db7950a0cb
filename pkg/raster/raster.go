package raster

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	DefaultBinary   = "pdftoppm"
	DefaultLongEdge = 2000
	pagePrefix      = "page"
)

// Page is one rasterized page. Index is 1-based.
type Page struct {
	Index  int
	Path   string
	Width  int
	Height int
}

// CommandFunc runs a command and returns its combined output.
type CommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Rasterizer converts PDF pages to PNG files with poppler.
type Rasterizer struct {
	Binary   string
	LongEdge int
	Exec     CommandFunc
}

// New returns a rasterizer using the given binary and target long edge.
func New(binary string, longEdge int) *Rasterizer {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	if longEdge <= 0 {
		longEdge = DefaultLongEdge
	}
	return &Rasterizer{Binary: binary, LongEdge: longEdge, Exec: execCommand}
}

// Rasterize writes one PNG per page into outDir. It either returns every page
// or an error; outDir is left for the caller to clean.
func (r *Rasterizer) Rasterize(ctx context.Context, pdfPath, outDir string) ([]Page, error) {
	run := r.Exec
	if run == nil {
		run = execCommand
	}
	prefix := filepath.Join(outDir, pagePrefix)
	args := []string{"-png", "-scale-to", strconv.Itoa(r.LongEdge), pdfPath, prefix}
	if out, err := run(ctx, r.Binary, args...); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", r.Binary, err, strings.TrimSpace(string(out)))
	}

	files, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("list page images: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no page images generated from PDF")
	}
	sortByPageNumber(files)

	pages := make([]Page, 0, len(files))
	for i, path := range files {
		w, h, err := dimensions(path)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
		pages = append(pages, Page{Index: i + 1, Path: path, Width: w, Height: h})
	}
	return pages, nil
}

// PageCount reads the page tree of a PDF without rendering it.
func PageCount(pdfPath string) (int, error) {
	file, reader, err := pdf.Open(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()
	n := reader.NumPage()
	if n <= 0 {
		return 0, errors.New("pdf has no pages")
	}
	return n, nil
}

var pageNumberPattern = regexp.MustCompile(`-(\d+)\.png$`)

func pageNumber(path string) int {
	m := pageNumberPattern.FindStringSubmatch(filepath.Base(path))
	if len(m) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// pdftoppm zero-pads page numbers by document length, so lexical order is not enough.
func sortByPageNumber(files []string) {
	sort.SliceStable(files, func(i, j int) bool {
		return pageNumber(files[i]) < pageNumber(files[j])
	})
}

func dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open page image: %w", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode page image: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
