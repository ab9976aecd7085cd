package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"imagestudio/internal/models"
)

var (
	bucketImages = []byte("images")
	bucketByTime = []byte("images_by_time")
)

type BoltImageStore struct {
	db *bolt.DB
}

func NewBoltImageStore(path string) (*BoltImageStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lineage dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketImages, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}
	return &BoltImageStore{db: db}, nil
}

func (s *BoltImageStore) Store(_ context.Context, id string, record models.ImageRecord) (models.ImageRecord, error) {
	record, err := prepareRecord(id, record)
	if err != nil {
		return models.ImageRecord{}, err
	}

	var stored models.ImageRecord
	err = s.db.Update(func(tx *bolt.Tx) error {
		images := tx.Bucket(bucketImages)
		if images.Get([]byte(id)) != nil {
			return ErrDuplicateID
		}

		var parent *models.ImageRecord
		if record.ParentID != "" {
			// A purged or unreadable parent leaves the lineage empty.
			if raw := images.Get([]byte(record.ParentID)); raw != nil {
				var p models.ImageRecord
				if json.Unmarshal(raw, &p) == nil {
					parent = &p
				}
			}
		}
		stored = record.WithLineage(parent)

		enc, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := images.Put([]byte(id), enc); err != nil {
			return err
		}
		return tx.Bucket(bucketByTime).Put(timeKey(stored.CreatedAt, id), []byte(id))
	})
	if err != nil {
		return models.ImageRecord{}, err
	}
	return stored, nil
}

func (s *BoltImageStore) Get(_ context.Context, id string) (models.ImageRecord, error) {
	var record models.ImageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketImages).Get([]byte(id))
		if raw == nil {
			return ErrImageNotFound
		}
		return json.Unmarshal(raw, &record)
	})
	if err != nil {
		return models.ImageRecord{}, err
	}
	return record, nil
}

func (s *BoltImageStore) Latest(_ context.Context) (models.ImageRecord, error) {
	var record models.ImageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		_, id := tx.Bucket(bucketByTime).Cursor().Last()
		if id == nil {
			return ErrImageNotFound
		}
		raw := tx.Bucket(bucketImages).Get(id)
		if raw == nil {
			return ErrImageNotFound
		}
		return json.Unmarshal(raw, &record)
	})
	if err != nil {
		return models.ImageRecord{}, err
	}
	return record, nil
}

func (s *BoltImageStore) Close() error {
	return s.db.Close()
}

// timeKey orders entries by created_at, then id. Negative timestamps are clamped to zero.
func timeKey(createdAt int64, id string) []byte {
	if createdAt < 0 {
		createdAt = 0
	}
	key := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(createdAt))
	copy(key[8:], id)
	return key
}
