// -----------------------------------------------------------------------
// Asset Store
// Uploaded source images and finished stylized outputs on local disk
// -----------------------------------------------------------------------

package assets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/pastiche/internal/common"
	"github.com/ternarybob/pastiche/internal/models"
)

// AllowedExtensions are the upload types the stylize decoder understands
var AllowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".webp": true,
}

// ErrUnsupportedType is returned for uploads outside AllowedExtensions
var ErrUnsupportedType = errors.New("unsupported image type")

// ErrTooLarge is returned when an upload exceeds the size limit
var ErrTooLarge = errors.New("upload too large")

// Store owns the uploads and outputs directories
type Store struct {
	uploadsDir string
	outputsDir string
	maxBytes   int64
	logger     arbor.ILogger
}

// NewStore creates a store. Directories are not touched until Reset.
func NewStore(cfg common.FilesystemConfig, maxUploadMB int, logger arbor.ILogger) *Store {
	return &Store{
		uploadsDir: cfg.Uploads,
		outputsDir: cfg.Outputs,
		maxBytes:   int64(maxUploadMB) * 1024 * 1024,
		logger:     logger,
	}
}

// Reset wipes and recreates both directories. Run once at startup, after
// the queue is purged, so no surviving job points at a deleted file.
func (s *Store) Reset() error {
	for _, dir := range []string{s.uploadsDir, s.outputsDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	s.logger.Debug().
		Str("uploads", s.uploadsDir).
		Str("outputs", s.outputsDir).
		Msg("Asset directories reset")
	return nil
}

// SaveUpload writes r to a uniquely named file, keeping the client's
// extension, and returns the path.
func (s *Store) SaveUpload(filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, filename)
	}

	path := filepath.Join(s.uploadsDir, uuid.New().String()+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	limit := s.maxBytes
	if limit <= 0 {
		limit = 20 * 1024 * 1024
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	closeErr := f.Close()

	if err == nil && n > limit {
		err = fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, limit)
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}

	s.logger.Trace().Str("path", path).Msg("Upload saved")
	return path, nil
}

// OutputPath is where the finished artifact for a job is written
func (s *Store) OutputPath(jobID string) string {
	return filepath.Join(s.outputsDir, jobID+".jpg")
}

// OpenOutput opens a finished artifact. The id must already be validated.
func (s *Store) OpenOutput(jobID string) (*os.File, error) {
	f, err := os.Open(s.OutputPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("output for job %s: %w", jobID, models.ErrNotFound)
	}
	return f, err
}

// Remove deletes files belonging to a job, ignoring ones already gone
func (s *Store) Remove(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", p).Msg("Failed to remove asset")
		}
	}
}
