package tesseract

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/otiai10/gosseract/v2"
)

type fakeClient struct {
	image  string
	langs  []string
	text   string
	boxes  []gosseract.BoundingBox
	err    error
	closed bool
}

func (f *fakeClient) SetImage(p string) error { f.image = p; return nil }
func (f *fakeClient) SetLanguage(l ...string) error {
	f.langs = l
	return nil
}
func (f *fakeClient) Text() (string, error) { return f.text, f.err }
func (f *fakeClient) GetBoundingBoxes(gosseract.PageIteratorLevel) ([]gosseract.BoundingBox, error) {
	return f.boxes, nil
}
func (f *fakeClient) Close() error { f.closed = true; return nil }

func TestLatinEngineCleansAndScalesConfidence(t *testing.T) {
	fc := &fakeClient{
		text:  "  l  saw   0 ducks ~~ \n",
		boxes: []gosseract.BoundingBox{{Confidence: 90}, {Confidence: 70}},
	}
	e := &LatinEngine{clientFactory: func() client { return fc }}

	out := e.Recognize(context.Background(), "/tmp/page-1.png", []string{"ja"})
	if !out.Success {
		t.Fatalf("Recognize() failed: %v", out.Err)
	}
	if out.Text != "I saw O ducks" {
		t.Fatalf("text = %q", out.Text)
	}
	if out.Confidence < 0.799 || out.Confidence > 0.801 {
		t.Fatalf("confidence = %v, want 0.8", out.Confidence)
	}
	if !reflect.DeepEqual(fc.langs, LatinLanguages) {
		t.Fatalf("languages = %v, want %v", fc.langs, LatinLanguages)
	}
	if fc.image != "/tmp/page-1.png" || !fc.closed {
		t.Fatalf("client not used as expected: %+v", fc)
	}
}

func TestLatinEngineReportsFailureAsValue(t *testing.T) {
	fc := &fakeClient{err: errors.New("tessdata missing")}
	e := &LatinEngine{clientFactory: func() client { return fc }}
	out := e.Recognize(context.Background(), "p.png", nil)
	if out.Success || out.Err == nil {
		t.Fatalf("Recognize() = %+v, want failure", out)
	}
	if !fc.closed {
		t.Fatalf("client not closed")
	}
}

func TestLatinEngineEmptyTextFails(t *testing.T) {
	fc := &fakeClient{text: "  ~ \n"}
	e := &LatinEngine{clientFactory: func() client { return fc }}
	if out := e.Recognize(context.Background(), "p.png", nil); out.Success {
		t.Fatalf("Recognize() on noise should fail, got %+v", out)
	}
}
