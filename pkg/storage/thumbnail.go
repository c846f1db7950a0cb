package storage

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
)

const (
	ThumbnailWidth  = 300
	ThumbnailHeight = 400
	ThumbnailFormat = "jpeg"
)

// RenderThumbnail decodes a page raster and fits it into the thumbnail box as JPEG.
func RenderThumbnail(r io.Reader) ([]byte, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode page image: %w", err)
	}
	thumb := imaging.Fit(src, ThumbnailWidth, ThumbnailHeight, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
