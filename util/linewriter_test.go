package util

import (
	"reflect"
	"strings"
	"testing"
)

func collect() (*LineWriter, *[]string) {
	var lines []string
	return NewLineWriter(func(l string) { lines = append(lines, l) }), &lines
}

func TestLineWriter_SplitsLines(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{"single", []string{"hello\n"}, []string{"hello"}},
		{"multi in one write", []string{"a\nb\nc\n"}, []string{"a", "b", "c"}},
		{"split across writes", []string{"hel", "lo\nwor", "ld\n"}, []string{"hello", "world"}},
		{"crlf", []string{"one\r\ntwo\r\n"}, []string{"one", "two"}},
		{"empty lines kept", []string{"\n\nx\n"}, []string{"", "", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, got := collect()
			for _, c := range tt.chunks {
				n, err := w.Write([]byte(c))
				if err != nil || n != len(c) {
					t.Fatalf("Write(%q) = %d, %v", c, n, err)
				}
			}
			if !reflect.DeepEqual(*got, tt.want) {
				t.Errorf("lines = %q, want %q", *got, tt.want)
			}
		})
	}
}

func TestLineWriter_FlushPartial(t *testing.T) {
	w, got := collect()
	w.Write([]byte("no newline")) //nolint:errcheck
	if len(*got) != 0 {
		t.Fatalf("partial line delivered early: %q", *got)
	}
	w.Flush()
	if len(*got) != 1 || (*got)[0] != "no newline" {
		t.Errorf("after Flush = %q", *got)
	}
	w.Flush()
	if len(*got) != 1 {
		t.Errorf("second Flush should be a no-op, got %q", *got)
	}
}

func TestLineWriter_OversizedPartial(t *testing.T) {
	w, got := collect()
	w.Write([]byte(strings.Repeat("x", maxPartialLine))) //nolint:errcheck
	if len(*got) != 1 {
		t.Fatalf("expected oversized partial to be delivered, got %d lines", len(*got))
	}
}
