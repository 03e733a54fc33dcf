package logger

import "testing"

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := New(level); err != nil {
			t.Errorf("New(%q) failed: %v", level, err)
		}
		if _, err := NewConsole(level); err != nil {
			t.Errorf("NewConsole(%q) failed: %v", level, err)
		}
	}

	if _, err := New("loud"); err == nil {
		t.Error("Expected error for unknown level, got nil")
	}
}
