package files

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jlegewie/beaver-sync/internal/store"
)

func writeAttachment(t *testing.T, root string, ref store.ItemRef, name string, data []byte) string {
	t.Helper()

	dir := filepath.Join(root, "1", ref.ItemKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create attachment dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write attachment: %v", err)
	}
	return path
}

// TestResolvePath_Found tests resolving an existing attachment
func TestResolvePath_Found(t *testing.T) {
	root := t.TempDir()
	ref := store.ItemRef{LibraryID: 1, ItemKey: "KEY1"}
	want := writeAttachment(t, root, ref, "paper.pdf", []byte("%PDF-1.4"))

	a := NewLocalAccessor(root)
	got, err := a.ResolvePath(ref)
	if err != nil {
		t.Fatalf("ResolvePath() failed: %v", err)
	}
	if got != want {
		t.Errorf("ResolvePath() = %q, want %q", got, want)
	}
}

// TestResolvePath_Missing tests the permanent-failure sentinel
func TestResolvePath_Missing(t *testing.T) {
	a := NewLocalAccessor(t.TempDir())

	_, err := a.ResolvePath(store.ItemRef{LibraryID: 1, ItemKey: "NOPE"})
	if !errors.Is(err, ErrFileMissing) {
		t.Errorf("ResolvePath() error = %v, want ErrFileMissing", err)
	}
}

// TestResolvePath_SkipsHiddenFiles tests that bookkeeping files are ignored
func TestResolvePath_SkipsHiddenFiles(t *testing.T) {
	root := t.TempDir()
	ref := store.ItemRef{LibraryID: 1, ItemKey: "KEY1"}
	writeAttachment(t, root, ref, ".zotero-ft-cache", []byte("index"))
	want := writeAttachment(t, root, ref, "paper.pdf", []byte("%PDF-1.4"))

	a := NewLocalAccessor(root)
	got, err := a.ResolvePath(ref)
	if err != nil {
		t.Fatalf("ResolvePath() failed: %v", err)
	}
	if got != want {
		t.Errorf("ResolvePath() = %q, want %q", got, want)
	}
}

// TestReadBytes_Missing tests reading a vanished path
func TestReadBytes_Missing(t *testing.T) {
	a := NewLocalAccessor(t.TempDir())

	_, err := a.ReadBytes(filepath.Join(t.TempDir(), "gone.pdf"))
	if !errors.Is(err, ErrFileMissing) {
		t.Errorf("ReadBytes() error = %v, want ErrFileMissing", err)
	}
}

// TestCountPDFPages tests the page-object scan
func TestCountPDFPages(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{"empty", "", 0},
		{"two pages", "<< /Type /Pages /Kids [...] >> << /Type /Page >> << /Type /Page >>", 2},
		{"compact syntax", "<</Type/Pages>> <</Type/Page>> <</Type/Page>> <</Type/Page>>", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countPDFPages([]byte(tt.data)); got != tt.want {
				t.Errorf("countPDFPages() = %d, want %d", got, tt.want)
			}
		})
	}
}
