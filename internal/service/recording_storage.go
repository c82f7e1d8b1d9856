package service

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Sentinel errors for recording uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
)

// Allowed recording MIME types, as sniffed from the blob header.
var allowedRecordingTypes = map[string]string{
	"video/webm":      ".webm",
	"audio/webm":      ".webm",
	"application/ogg": ".ogg",
	"audio/wave":      ".wav",
	"audio/mpeg":      ".mp3",
}

// RecordingStorage writes combined speaking recordings to local disk.
type RecordingStorage struct {
	cfg *config.Config
}

// NewRecordingStorage creates a new RecordingStorage.
func NewRecordingStorage(cfg *config.Config) *RecordingStorage {
	return &RecordingStorage{cfg: cfg}
}

// Save stores blob under UPLOAD_DIR/recordings with a UUID filename and
// returns the relative URL path. An empty blob stores nothing and returns "".
func (s *RecordingStorage) Save(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	if int64(len(blob)) > s.cfg.MaxUploadBytes {
		return "", fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, len(blob), s.cfg.MaxUploadBytes)
	}

	contentType := http.DetectContentType(blob)
	ext, ok := allowedRecordingTypes[contentType]
	if !ok {
		return "", fmt.Errorf("%w: %s (allowed: %s)",
			ErrUnsupportedFileType, contentType, strings.Join(allowedTypes(), ", "))
	}

	dir := filepath.Join(s.cfg.UploadDir, "recordings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	filename := uuid.New().String() + ext
	if err := os.WriteFile(filepath.Join(dir, filename), blob, 0o644); err != nil {
		return "", fmt.Errorf("write recording: %w", err)
	}
	return "/uploads/recordings/" + filename, nil
}

// Remove deletes a file previously returned by Save.
func (s *RecordingStorage) Remove(path string) error {
	if path == "" {
		return nil
	}
	name := filepath.Base(path)
	err := os.Remove(filepath.Join(s.cfg.UploadDir, "recordings", name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func allowedTypes() []string {
	types := make([]string, 0, len(allowedRecordingTypes))
	for t := range allowedRecordingTypes {
		types = append(types, t)
	}
	return types
}
