package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileWriter_Write(t *testing.T) {
	dir := t.TempDir()

	fw, err := NewFileWriter(dir)
	if err != nil {
		t.Fatalf("NewFileWriter failed: %v", err)
	}
	defer fw.Close()

	if _, err := fw.Write([]byte(`{"msg":"test"}` + "\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := filepath.Join(dir, "watchit-"+time.Now().Format(time.DateOnly)+".jsonl")
	if fw.Path() != want {
		t.Errorf("Path() = %s, want %s", fw.Path(), want)
	}
	content, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), `{"msg":"test"}`) {
		t.Errorf("expected content to contain test message, got: %s", content)
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()

	old := "watchit-" + time.Now().AddDate(0, 0, -10).Format(time.DateOnly) + ".jsonl"
	recent := "watchit-" + time.Now().AddDate(0, 0, -1).Format(time.DateOnly) + ".jsonl"
	other := "notes.txt"
	for _, name := range []string{old, recent, other} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	Cleanup(dir, 7)

	if _, err := os.Stat(filepath.Join(dir, old)); !os.IsNotExist(err) {
		t.Error("old file should be removed")
	}
	for _, name := range []string{recent, other} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s should be kept: %v", name, err)
		}
	}
}
