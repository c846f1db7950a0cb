package ocr

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// textFragments accepts {"texts":[...]}, a JSON array of strings, or a JSON
// array of objects carrying a "text" field.
func textFragments(stdout []byte) ([]string, bool) {
	data := bytes.TrimSpace(stdout)
	if len(data) == 0 {
		return nil, false
	}
	var wrapped struct {
		Texts []string `json:"texts"`
	}
	if data[0] == '{' {
		if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Texts != nil {
			return wrapped.Texts, true
		}
		return nil, false
	}
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		return plain, true
	}
	var objects []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &objects); err == nil {
		out := make([]string, 0, len(objects))
		for _, o := range objects {
			out = append(out, o.Text)
		}
		return out, true
	}
	return nil, false
}

func joinFragments(fragments []string, dedupe bool) string {
	seen := make(map[string]struct{}, len(fragments))
	out := make([]string, 0, len(fragments))
	for _, f := range fragments {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if dedupe {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
		}
		out = append(out, f)
	}
	return strings.Join(out, "\n")
}

// ParseFragmentsOrRaw dedupes JSON fragments, or passes raw stdout through.
func ParseFragmentsOrRaw(confidence float64) ParseFunc {
	return func(stdout []byte) (string, float64, error) {
		if fragments, ok := textFragments(stdout); ok {
			return joinFragments(fragments, true), confidence, nil
		}
		return strings.TrimSpace(string(stdout)), confidence, nil
	}
}

// ParseFragments requires JSON fragment output.
func ParseFragments(confidence float64) ParseFunc {
	return func(stdout []byte) (string, float64, error) {
		fragments, ok := textFragments(stdout)
		if !ok {
			return "", 0, errors.New("engine output is not json")
		}
		return joinFragments(fragments, false), confidence, nil
	}
}

// ParseCleaned strips bidi controls from raw stdout.
func ParseCleaned(confidence float64) ParseFunc {
	return func(stdout []byte) (string, float64, error) {
		return StripBidi(string(stdout)), confidence, nil
	}
}

// ParseTesseractTSV rebuilds lines from tesseract tsv output and averages the
// word confidences reported on a 0-100 scale.
func ParseTesseractTSV(stdout []byte) (string, float64, error) {
	var (
		lines   []string
		current []string
		lineKey string
		sum     float64
		words   int
	)
	flush := func() {
		if len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = current[:0]
		}
	}
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 12 || fields[0] == "level" {
			continue
		}
		conf, err := strconv.ParseFloat(fields[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(fields[11])
		if word == "" {
			continue
		}
		key := fields[1] + "/" + fields[2] + "/" + fields[3] + "/" + fields[4]
		if key != lineKey {
			flush()
			lineKey = key
		}
		current = append(current, word)
		sum += conf
		words++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("read tsv: %w", err)
	}
	flush()
	if words == 0 {
		return "", 0, nil
	}
	return strings.Join(lines, "\n"), sum / float64(words) / 100, nil
}
