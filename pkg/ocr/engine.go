package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyText marks a run that finished without recognizing any text.
var ErrEmptyText = errors.New("ocr returned empty text")

// Output is the structured result of one recognition call.
type Output struct {
	Success    bool
	Text       string
	Confidence float64
	Engine     string
	Err        error
}

// Engine recognizes text in a page image. Implementations must not panic and
// must report every failure through Output.Err.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, imagePath string, languages []string) Output
}

// Succeeded builds a result; empty text is a failure.
func Succeeded(engine, text string, confidence float64) Output {
	if strings.TrimSpace(text) == "" {
		return Failed(engine, ErrEmptyText)
	}
	return Output{Success: true, Text: text, Confidence: confidence, Engine: engine}
}

// Failed builds a failure result.
func Failed(engine string, err error) Output {
	return Output{Engine: engine, Err: err}
}

// Recognize calls e and turns a panic into a failure value.
func Recognize(ctx context.Context, e Engine, imagePath string, languages []string) (out Output) {
	name := e.Name()
	defer func() {
		if r := recover(); r != nil {
			out = Failed(name, fmt.Errorf("engine panicked: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return Failed(name, err)
	}
	out = e.Recognize(ctx, imagePath, languages)
	if out.Engine == "" {
		out.Engine = name
	}
	if out.Success && strings.TrimSpace(out.Text) == "" {
		return Failed(name, ErrEmptyText)
	}
	return out
}

// FirstSuccessful runs engines in order, each at most once, and returns the
// first success with non-empty text. When every engine fails the result is a
// failure carrying all collected errors.
func FirstSuccessful(ctx context.Context, engines []Engine, imagePath string, languages []string) Output {
	var errs []error
	for _, e := range engines {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out := Recognize(ctx, e, imagePath, languages)
		if out.Success {
			return out
		}
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", out.Engine, out.Err))
		}
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no engines configured"))
	}
	return Output{Err: errors.Join(errs...)}
}

// Cascade is an Engine that tries a fixed list of engines in order.
type Cascade struct {
	name    string
	engines []Engine
}

// NewCascade returns a cascade over engines.
func NewCascade(name string, engines ...Engine) *Cascade {
	return &Cascade{name: name, engines: engines}
}

func (c *Cascade) Name() string { return c.name }

// Engines returns the stages in invocation order.
func (c *Cascade) Engines() []Engine {
	return append([]Engine(nil), c.engines...)
}

func (c *Cascade) Recognize(ctx context.Context, imagePath string, languages []string) Output {
	out := FirstSuccessful(ctx, c.engines, imagePath, languages)
	if !out.Success {
		out.Engine = c.name
	}
	return out
}
