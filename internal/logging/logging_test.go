package logging

import (
	"testing"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		if logger := New(level, "text"); logger == nil {
			t.Errorf("New(%q) returned nil", level)
		}
	}
	if logger := New("info", "json"); logger == nil {
		t.Error("New json returned nil")
	}
}
