// Package files resolves attachment references to on-disk bytes and
// metadata.
//
// The uploader only sees the Accessor interface; concrete host bindings
// (different library layouts, cloud-synced storage) implement it. The local
// implementation maps a reference to <root>/<libraryID>/<itemKey>/ and picks
// the single stored file inside.
package files

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/jlegewie/beaver-sync/internal/store"
)

// ErrFileMissing indicates the reference resolved to no usable file on disk.
// This is a permanent failure: retrying will not make the file appear.
var ErrFileMissing = errors.New("attachment file missing")

// Accessor resolves attachment references to file contents and metadata.
type Accessor interface {
	// ResolvePath returns the absolute path of the attachment's stored
	// file. Returns ErrFileMissing when the reference has no file.
	ResolvePath(ref store.ItemRef) (string, error)

	// ReadBytes reads the full file contents at path.
	ReadBytes(path string) ([]byte, error)

	// PageCount returns the page count for page-oriented formats.
	// The second result is false when the format has no page notion.
	PageCount(ref store.ItemRef) (int, bool)

	// MimeType returns the detected mime type, or application/octet-stream
	// when detection fails.
	MimeType(ref store.ItemRef) string
}

// LocalAccessor reads attachments from a local storage directory laid out as
// <root>/<libraryID>/<itemKey>/<filename>.
type LocalAccessor struct {
	root string
}

// NewLocalAccessor creates an accessor rooted at the given storage
// directory.
func NewLocalAccessor(root string) *LocalAccessor {
	return &LocalAccessor{root: root}
}

// ResolvePath implements Accessor.ResolvePath.
func (a *LocalAccessor) ResolvePath(ref store.ItemRef) (string, error) {
	dir := filepath.Join(a.root, fmt.Sprintf("%d", ref.LibraryID), ref.ItemKey)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileMissing, ref)
		}
		return "", fmt.Errorf("failed to read attachment directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Skip hidden bookkeeping files left by sync clients
		if entry.Name()[0] == '.' {
			continue
		}
		return filepath.Join(dir, entry.Name()), nil
	}

	return "", fmt.Errorf("%w: %s", ErrFileMissing, ref)
}

// ReadBytes implements Accessor.ReadBytes.
func (a *LocalAccessor) ReadBytes(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

// MimeType implements Accessor.MimeType using content sniffing.
func (a *LocalAccessor) MimeType(ref store.ItemRef) string {
	path, err := a.ResolvePath(ref)
	if err != nil {
		return "application/octet-stream"
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

// PageCount implements Accessor.PageCount. Only PDFs report a page count;
// everything else returns false.
func (a *LocalAccessor) PageCount(ref store.ItemRef) (int, bool) {
	path, err := a.ResolvePath(ref)
	if err != nil {
		return 0, false
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil || !mtype.Is("application/pdf") {
		return 0, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	return countPDFPages(data), true
}

// countPDFPages counts page objects in raw PDF bytes. This intentionally
// stays at the byte-scan level: a full PDF parser is not worth carrying for
// a single advisory metadata field, and malformed files simply report 0.
func countPDFPages(data []byte) int {
	count := bytes.Count(data, []byte("/Type /Page"))
	// "/Type /Pages" tree nodes match the page pattern as a prefix
	count -= bytes.Count(data, []byte("/Type /Pages"))
	if compact := bytes.Count(data, []byte("/Type/Page")) - bytes.Count(data, []byte("/Type/Pages")); compact > count {
		count = compact
	}
	if count < 0 {
		return 0
	}
	return count
}
