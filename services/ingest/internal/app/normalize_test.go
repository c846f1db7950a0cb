package app

import "testing"

func TestNormalizeKeepsLines(t *testing.T) {
	raw := "\uFEFF  Title\u00A0\x00\t\nLine\u200B one\u0007\r\n\r\nSecond\u2060 line\u00ad"
	got := Normalize(raw)
	want := "Title\nLine one\n\nSecond line"
	if got != want {
		t.Fatalf("Normalize() = %q, want %q", got, want)
	}
}

func TestNormalizeCollapsesBlankRuns(t *testing.T) {
	got := Normalize("a\n\n\n\n\nb\n \n \nc")
	if got != "a\n\nb\n\nc" {
		t.Fatalf("Normalize() = %q", got)
	}
}

func TestNormalizeKeepsJoinersAndStripsBidi(t *testing.T) {
	got := Normalize("\u202b\u0645\u06cc\u200c\u062e\u0648\u0627\u0647\u0645\u202c")
	if got != "\u0645\u06cc\u200c\u062e\u0648\u0627\u0647\u0645" {
		t.Fatalf("Normalize() = %q", got)
	}
}

func TestCountWords(t *testing.T) {
	if n := CountWords(" one two\nthree\t four "); n != 4 {
		t.Fatalf("CountWords() = %d, want 4", n)
	}
	if n := CountWords(""); n != 0 {
		t.Fatalf("CountWords(\"\") = %d, want 0", n)
	}
}
