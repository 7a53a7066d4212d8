package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{
		"up":        false,
		"build":     false,
		"run":       false,
		"bootstrap": false,
		"doctor":    false,
		"prune":     false,
		"version":   false,
	}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected root command to include %s", name)
		}
	}
}

func TestExitCode(t *testing.T) {
	if err := exitCode(0); err != nil {
		t.Fatalf("exitCode(0) = %v, want nil", err)
	}
	err := exitCode(42)
	var exitErr *exitCodeError
	if !errors.As(err, &exitErr) {
		t.Fatalf("exitCode(42) = %v, want *exitCodeError", err)
	}
	if exitErr.code != 42 {
		t.Fatalf("code = %d, want 42", exitErr.code)
	}
}

func TestExitCodeErrorSurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("up: %w", exitCode(3))
	var exitErr *exitCodeError
	if !errors.As(wrapped, &exitErr) {
		t.Fatalf("errors.As failed on wrapped error %v", wrapped)
	}
	if exitErr.code != 3 {
		t.Fatalf("code = %d, want 3", exitErr.code)
	}
}
