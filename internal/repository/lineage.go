package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"imagestudio/internal/models"
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrDuplicateID   = errors.New("image id already exists")
	ErrInvalidRecord = errors.New("invalid image record")

	ErrIndexImageNotFound = errors.New("image id not found")
	ErrIndexNotInteger    = errors.New("image index must be an integer")
	ErrIndexOutOfRange    = errors.New("image index must be between 1 and 4")
	ErrIndexExceedsURLs   = errors.New("image index exceeds available images")
)

const MaxImagesPerRecord = 4

// ImageStore persists image records together with their lineage. Records are append-only.
type ImageStore interface {
	Store(ctx context.Context, id string, record models.ImageRecord) (models.ImageRecord, error)
	Get(ctx context.Context, id string) (models.ImageRecord, error)
	Latest(ctx context.Context) (models.ImageRecord, error)
	Close() error
}

func prepareRecord(id string, record models.ImageRecord) (models.ImageRecord, error) {
	if strings.TrimSpace(id) == "" {
		return models.ImageRecord{}, fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if len(record.URLs) == 0 {
		return models.ImageRecord{}, fmt.Errorf("%w: no urls", ErrInvalidRecord)
	}
	if !record.OperationType.Valid() {
		return models.ImageRecord{}, fmt.Errorf("%w: operation type %q", ErrInvalidRecord, record.OperationType)
	}

	record.ID = id
	record.URLs = append([]string(nil), record.URLs...)
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	return record, nil
}

// ValidateIndex checks a 1-based selection index against a stored record without side effects.
func ValidateIndex(ctx context.Context, store ImageStore, id string, index string) (int, error) {
	record, err := store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			return 0, ErrIndexImageNotFound
		}
		return 0, err
	}

	n, err := strconv.Atoi(strings.TrimSpace(index))
	if err != nil {
		return 0, ErrIndexNotInteger
	}
	if n < 1 || n > MaxImagesPerRecord {
		return 0, ErrIndexOutOfRange
	}
	if n > len(record.URLs) {
		return 0, ErrIndexExceedsURLs
	}
	return n, nil
}

// IsIndexError reports whether err is a user-facing index validation failure.
func IsIndexError(err error) bool {
	return errors.Is(err, ErrIndexImageNotFound) ||
		errors.Is(err, ErrIndexNotInteger) ||
		errors.Is(err, ErrIndexOutOfRange) ||
		errors.Is(err, ErrIndexExceedsURLs)
}
