package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunFailsOnCorruptStateFile(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{"data_dir":"`+dir+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte("{corrupt"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := run(configPath)
	if err == nil {
		t.Fatal("daemon must refuse to start on a corrupt state file")
	}
	if !strings.Contains(err.Error(), "state") {
		t.Errorf("error should point at the state file, got: %v", err)
	}
}

func TestRunFailsWithoutChannels(t *testing.T) {
	dir := t.TempDir()

	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{"data_dir":"`+dir+`"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	err := run(configPath)
	if err == nil {
		t.Fatal("daemon must refuse to start with no channels configured")
	}
	if !strings.Contains(err.Error(), "no channels") {
		t.Errorf("error should name the missing channels, got: %v", err)
	}
}
