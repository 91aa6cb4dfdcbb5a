// Package artifact stores uploaded evidence and extracts structure from it.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an artifact id does not name a stored file.
	ErrNotFound = errors.New("artifact not found")

	// ErrUnsupportedMediaType is returned for file types the analyzer cannot read.
	ErrUnsupportedMediaType = errors.New("unsupported artifact media type")

	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("artifact exceeds size limit")
)

// Accepted media types
const (
	MediaPNG  = "image/png"
	MediaJPEG = "image/jpeg"
	MediaPDF  = "application/pdf"
)

// AcceptedMediaTypes lists what a schematic upload may be.
var AcceptedMediaTypes = []string{MediaPNG, MediaJPEG, MediaPDF}

var extensions = map[string]string{
	".png":  MediaPNG,
	".jpg":  MediaJPEG,
	".jpeg": MediaJPEG,
	".pdf":  MediaPDF,
}

// DefaultMaxBytes bounds a single upload.
const DefaultMaxBytes = 20 << 20

// MediaTypeFor returns the media type implied by a file name's extension.
func MediaTypeFor(name string) (string, bool) {
	mt, ok := extensions[strings.ToLower(filepath.Ext(name))]
	return mt, ok
}

// Info describes a stored artifact.
type Info struct {
	ID        string
	Path      string
	MediaType string
	Size      int64
}

// Store keeps uploads as flat files in one directory. The artifact id is
// the file name.
type Store struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

// NewStore creates the upload directory if needed.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{dir: dir, maxBytes: maxBytes, now: time.Now}, nil
}

// Dir returns the upload directory.
func (s *Store) Dir() string { return s.dir }

// MaxBytes returns the upload size limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save writes r under a fresh id that keeps the original extension.
func (s *Store) Save(originalName string, r io.Reader) (Info, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	mediaType, ok := extensions[ext]
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, ext)
	}

	id := fmt.Sprintf("%d-%s%s", s.now().UnixMilli(), strings.ReplaceAll(uuid.NewString(), "-", "")[:10], ext)
	path := filepath.Join(s.dir, id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create artifact: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return Info{}, fmt.Errorf("failed to write artifact: %w", err)
	}

	return Info{ID: id, Path: path, MediaType: mediaType, Size: n}, nil
}

// Stat resolves an id to a stored file. Ids that are not plain file names
// are treated as missing.
func (s *Store) Stat(id string) (Info, error) {
	id = strings.TrimSpace(id)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return Info{}, ErrNotFound
	}

	path := filepath.Join(s.dir, id)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return Info{}, ErrNotFound
	}

	mediaType, ok := MediaTypeFor(id)
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, filepath.Ext(id))
	}
	return Info{ID: id, Path: path, MediaType: mediaType, Size: fi.Size()}, nil
}

// Read returns the artifact's metadata and contents.
func (s *Store) Read(id string) (Info, []byte, error) {
	info, err := s.Stat(id)
	if err != nil {
		return Info{}, nil, err
	}
	data, err := os.ReadFile(info.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{}, nil, ErrNotFound
		}
		return Info{}, nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return info, data, nil
}
