package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFactory_TeesToFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "voxsync.log")

	f := NewFactory(Options{File: path, MaxSizeMB: 1, Stderr: &console})
	f.New("sync").Printf("pulled %d conversations", 3)
	if err := f.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// LstdFlags puts the date and time between prefix and message.
	assertLine := func(where, got string) {
		t.Helper()
		if !strings.HasPrefix(got, "[sync] ") || !strings.HasSuffix(got, " pulled 3 conversations\n") {
			t.Errorf("%s output = %q", where, got)
		}
	}
	assertLine("console", console.String())
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	assertLine("file", string(data))
}

func TestFactory_ConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	f := NewFactory(Options{Stderr: &console, Verbose: true})
	f.New("repo").Print("hello")

	if !strings.HasPrefix(console.String(), "[repo] ") {
		t.Errorf("expected prefix, got %q", console.String())
	}
	if !f.Verbose() {
		t.Error("Verbose() = false, want true")
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() without file failed: %v", err)
	}
}
