package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camgw/internal/config"
)

var (
	ErrFileNotFound    = errors.New("NOT_FOUND")
	ErrInvalidFilename = errors.New("INVALID_PARAMS")
)

// Kind selects which media directory an operation targets.
type Kind string

const (
	KindRecording Kind = "recordings"
	KindSnapshot  Kind = "snapshots"
)

// Canonical media filename: {camera_id}_{YYYY-MM-DDThh-mm-ssZ}.{ext}.
// Colons are not legal in the timestamp segment; dashes stand in for them.
var filenamePattern = regexp.MustCompile(
	`^(camera\d+)_(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}Z)\.([a-z0-9]+)$`)

const timestampLayout = "2006-01-02T15-04-05Z"

// FileInfo is the catalog record for one media file.
type FileInfo struct {
	Filename    string    `json:"filename"`
	CameraID    string    `json:"device"`
	Size        int64     `json:"file_size"`
	CreatedAt   time.Time `json:"created_time"`
	DownloadURL string    `json:"download_url"`
}

// Page is one slice of a listing.
type Page struct {
	Files  []FileInfo `json:"files"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Catalog lists and manages the media files the service produced. The
// filesystem is the source of truth; no index is kept.
type Catalog struct {
	recordingsDir string
	snapshotsDir  string
	logger        zerolog.Logger
}

func New(cfg config.StorageConfig, logger zerolog.Logger) *Catalog {
	return &Catalog{
		recordingsDir: cfg.RecordingsDir,
		snapshotsDir:  cfg.SnapshotsDir,
		logger:        logger.With().Str("component", "catalog").Logger(),
	}
}

// Filename derives the canonical media filename for a capture started at ts.
func Filename(cameraID string, ts time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", cameraID, ts.UTC().Format(timestampLayout), ext)
}

// ParseFilename validates a filename against the canonical pattern and
// extracts its components. Any path separator or traversal segment fails.
func ParseFilename(name string) (cameraID string, createdAt time.Time, ext string, err error) {
	if strings.ContainsAny(name, "/\\") || name != filepath.Base(name) {
		return "", time.Time{}, "", fmt.Errorf("%w: filename %q", ErrInvalidFilename, name)
	}
	m := filenamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, "", fmt.Errorf("%w: filename %q", ErrInvalidFilename, name)
	}
	ts, perr := time.Parse(timestampLayout, m[2])
	if perr != nil {
		return "", time.Time{}, "", fmt.Errorf("%w: filename %q", ErrInvalidFilename, name)
	}
	return m[1], ts, m[3], nil
}

func (c *Catalog) dir(kind Kind) (string, error) {
	switch kind {
	case KindRecording:
		return c.recordingsDir, nil
	case KindSnapshot:
		return c.snapshotsDir, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidFilename, kind)
	}
}

// Dir exposes the backing directory for a kind, for the HTTP file server.
func (c *Catalog) Dir(kind Kind) (string, error) { return c.dir(kind) }

// List returns a page of files for the kind, newest first. Files whose names
// do not match the canonical pattern are skipped, not surfaced as errors.
func (c *Catalog) List(kind Kind, limit, offset int) (Page, error) {
	dir, err := c.dir(kind)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Page{Files: []FileInfo{}, Limit: limit, Offset: offset}, nil
		}
		return Page{}, fmt.Errorf("list %s: %w", kind, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		cameraID, createdAt, _, perr := ParseFilename(e.Name())
		if perr != nil {
			c.logger.Debug().Str("file", e.Name()).Msg("skipping non-canonical filename")
			continue
		}
		info, ierr := e.Info()
		if ierr != nil {
			continue
		}
		files = append(files, FileInfo{
			Filename:    e.Name(),
			CameraID:    cameraID,
			Size:        info.Size(),
			CreatedAt:   createdAt,
			DownloadURL: downloadURL(kind, e.Name()),
		})
	}

	// Newest first; the filename is the tiebreaker so paging is stable.
	sort.Slice(files, func(i, j int) bool {
		if !files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].CreatedAt.After(files[j].CreatedAt)
		}
		return files[i].Filename < files[j].Filename
	})

	page := Page{Total: len(files), Limit: limit, Offset: offset, Files: []FileInfo{}}
	if offset < len(files) {
		end := offset + limit
		if end > len(files) {
			end = len(files)
		}
		page.Files = files[offset:end]
	}
	return page, nil
}

// Info returns the catalog record for one file.
func (c *Catalog) Info(kind Kind, filename string) (FileInfo, error) {
	dir, err := c.dir(kind)
	if err != nil {
		return FileInfo{}, err
	}
	cameraID, createdAt, _, err := ParseFilename(filename)
	if err != nil {
		return FileInfo{}, err
	}

	stat, err := os.Stat(filepath.Join(dir, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%w: %s", ErrFileNotFound, filename)
		}
		return FileInfo{}, fmt.Errorf("stat %s: %w", filename, err)
	}
	return FileInfo{
		Filename:    filename,
		CameraID:    cameraID,
		Size:        stat.Size(),
		CreatedAt:   createdAt,
		DownloadURL: downloadURL(kind, filename),
	}, nil
}

// Delete removes one file. The filename is validated before any filesystem
// access, so traversal attempts never reach the disk.
func (c *Catalog) Delete(kind Kind, filename string) error {
	dir, err := c.dir(kind)
	if err != nil {
		return err
	}
	if _, _, _, err := ParseFilename(filename); err != nil {
		return err
	}

	path := filepath.Join(dir, filename)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, filename)
		}
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	c.logger.Info().Str("file", filename).Str("kind", string(kind)).Msg("media file deleted")
	return nil
}

// Resolve validates the filename and returns its absolute on-disk path for
// serving. Existence is checked so the caller can map the error to 404.
func (c *Catalog) Resolve(kind Kind, filename string) (string, error) {
	dir, err := c.dir(kind)
	if err != nil {
		return "", err
	}
	if _, _, _, err := ParseFilename(filename); err != nil {
		return "", err
	}
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, filename)
		}
		return "", fmt.Errorf("stat %s: %w", filename, err)
	}
	return path, nil
}

func downloadURL(kind Kind, filename string) string {
	return "/files/" + string(kind) + "/" + filename
}
