// Package ocr wraps external OCR engines behind one small interface. Engines
// report failures as values so a caller can move on to the next engine or the
// next page.
package ocr
