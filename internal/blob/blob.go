// Package blob stores large artefacts (page PNGs, final PDFs) outside the
// database; rows keep only the path.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/viescolaire/procto/internal/models"
)

type Store interface {
	Put(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	URL(path string) string
	Delete(ctx context.Context, path string) error
}

// Deterministic path layout; re-imports land on the same keys.
func CopyPagePath(copyID int64, page int) string {
	return fmt.Sprintf("copies/pages/%d/p%03d.png", copyID, page)
}

func FinalPDFPath(copyID int64) string {
	return fmt.Sprintf("copies/final/%d.pdf", copyID)
}

func BookletPagePath(examID, bookletID int64, page int) string {
	return fmt.Sprintf("booklets/%d/%d/page_%03d.png", examID, bookletID, page)
}

func ExamSourcePath(name string) string {
	return "exams/source/" + name
}

// FSStore keeps blobs under a root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) resolve(path string) (string, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", models.NewValidation("invalid blob path")
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Put(_ context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

func (s *FSStore) Get(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, models.ErrNotFound
	}
	return data, err
}

func (s *FSStore) URL(path string) string { return "file://" + filepath.Join(s.root, path) }

func (s *FSStore) Delete(_ context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
