package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRunAcceptsMarkedQueries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "q.go", "package q\n\nconst QA = `--sql 3f0c7a52-8d1e-4b6a-9c2f-51e7d4a0b913\nselect 1 from a;\n`\n\nconst Label = \"update\"\n")
	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
}

func TestRunReportsMissingMarker(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "q.go", "package q\n\nconst QA = `select id from users where id = $1`\n")
	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stderr.String(), "missing or invalid") || !strings.Contains(stderr.String(), "QA") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunReportsDuplicateMarker(t *testing.T) {
	dir := t.TempDir()
	marker := "--sql 3f0c7a52-8d1e-4b6a-9c2f-51e7d4a0b913"
	writeFile(t, dir, "a.go", "package q\n\nconst QA = `"+marker+"\nselect 1 from a;\n`\n")
	writeFile(t, dir, "b.go", "package q\n\nconst QB = `"+marker+"\nselect 1 from b;\n`\n")
	var stderr bytes.Buffer
	if code := run([]string{dir}, &stderr); code != 1 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stderr.String(), "marker already used by QA") {
		t.Fatalf("stderr = %s", stderr.String())
	}
}

func TestRunMissingTarget(t *testing.T) {
	var stderr bytes.Buffer
	if code := run([]string{filepath.Join(t.TempDir(), "nope")}, &stderr); code != 1 {
		t.Fatalf("exit %d", code)
	}
}
