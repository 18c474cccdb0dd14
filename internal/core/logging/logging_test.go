package logging

import "testing"

func TestNew(t *testing.T) {
	log, err := New("debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !log.Core().Enabled(-1) {
		t.Fatal("debug level should be enabled")
	}
	if _, err := New("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
