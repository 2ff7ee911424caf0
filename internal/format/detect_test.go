package format_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tamanonymous/gitam/internal/format"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "patch.mbox")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDetectEmptyAndDashMeanMbox(t *testing.T) {
	for _, paths := range [][]string{nil, {}, {"-"}} {
		got, err := format.Detect(paths)
		if err != nil {
			t.Fatalf("Detect(%v): %v", paths, err)
		}
		if got != format.Mbox {
			t.Errorf("Detect(%v) = %v, want Mbox", paths, got)
		}
	}
}

func TestDetectDirectoryMeansMbox(t *testing.T) {
	dir := t.TempDir()
	got, err := format.Detect([]string{dir})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != format.Mbox {
		t.Errorf("Detect(dir) = %v, want Mbox", got)
	}
}

func TestDetectFromLine(t *testing.T) {
	path := writeTemp(t, "From abc Mon Jan 1 00:00:00 2020\nSubject: x\n\nbody\n")
	got, err := format.Detect([]string{path})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != format.Mbox {
		t.Errorf("Detect() = %v, want Mbox", got)
	}
}

func TestDetectRFC2822HeaderProbe(t *testing.T) {
	path := writeTemp(t, "Subject: x\nFrom: a@b\nDate: today\n\nbody\n")
	got, err := format.Detect([]string{path})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != format.Mbox {
		t.Errorf("Detect() = %v, want Mbox", got)
	}
}

func TestDetectFoldedContinuationIgnored(t *testing.T) {
	path := writeTemp(t, "Subject: x\n continuation line\nFrom: a@b\n\nbody\n")
	got, err := format.Detect([]string{path})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != format.Mbox {
		t.Errorf("Detect() = %v, want Mbox", got)
	}
}

func TestDetectUnknown(t *testing.T) {
	path := writeTemp(t, "diff --git a/foo b/foo\n@@ -0,0 +1 @@\n+hello\n")
	got, err := format.Detect([]string{path})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != format.Unknown {
		t.Errorf("Detect() = %v, want Unknown", got)
	}
}

func TestDetectSkipsLeadingBlankLines(t *testing.T) {
	path := writeTemp(t, "\n\nFrom abc Mon Jan 1 00:00:00 2020\n\nbody\n")
	got, err := format.Detect([]string{path})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != format.Mbox {
		t.Errorf("Detect() = %v, want Mbox", got)
	}
}
