// Package evidence stores after-sale evidence files on disk and checks what they really are.
package evidence

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"ms-fulfillment/internal/apperror"
	"ms-fulfillment/internal/models"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

type Store struct {
	Dir           string
	BaseURL       string
	MaxVideoBytes int64
	MaxImageBytes int64
}

func NewStore(dir, baseURL string, maxVideoBytes, maxImageBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir %s: %w", dir, err)
	}
	return &Store{Dir: dir, BaseURL: baseURL, MaxVideoBytes: maxVideoBytes, MaxImageBytes: maxImageBytes}, nil
}

// Save copies r to the store and returns the evidence record. The file kind is detected from
// its content; a file that is not a video (or image) or exceeds the size cap is rejected.
func (s *Store) Save(kind models.EvidenceKind, r io.Reader) (models.AfterSaleEvidence, error) {
	const op = "evidence.Save"
	var limit int64
	var family string
	switch kind {
	case models.EvidenceVideo:
		limit, family = s.MaxVideoBytes, "video/"
	case models.EvidencePhoto:
		limit, family = s.MaxImageBytes, "image/"
	default:
		return models.AfterSaleEvidence{}, apperror.Validation(op, "unknown evidence kind %q", kind)
	}

	tmp, err := os.CreateTemp(s.Dir, "upload-*")
	if err != nil {
		return models.AfterSaleEvidence{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return models.AfterSaleEvidence{}, fmt.Errorf("write upload: %w", err)
	}
	if n == 0 {
		return models.AfterSaleEvidence{}, apperror.Validation(op, "%s file is empty", kind)
	}
	if n > limit {
		return models.AfterSaleEvidence{}, apperror.Validation(op, "%s exceeds %d bytes", kind, limit)
	}

	mt, err := mimetype.DetectFile(tmpName)
	if err != nil {
		return models.AfterSaleEvidence{}, fmt.Errorf("detect content type: %w", err)
	}
	if !strings.HasPrefix(mt.String(), family) {
		return models.AfterSaleEvidence{}, apperror.Validation(op, "%s upload has content type %s", kind, mt.String())
	}

	id := uuid.New().String()
	name := id + mt.Extension()
	if err := os.Rename(tmpName, filepath.Join(s.Dir, name)); err != nil {
		return models.AfterSaleEvidence{}, fmt.Errorf("store upload: %w", err)
	}
	keep = true

	return models.AfterSaleEvidence{
		ID:          id,
		Kind:        kind,
		URL:         strings.TrimRight(s.BaseURL, "/") + "/" + name,
		ContentType: mt.String(),
		SizeBytes:   n,
	}, nil
}

// Remove deletes stored files; used when the request they belong to was not accepted.
func (s *Store) Remove(items []models.AfterSaleEvidence) {
	for _, it := range items {
		os.Remove(filepath.Join(s.Dir, path.Base(it.URL)))
	}
}
