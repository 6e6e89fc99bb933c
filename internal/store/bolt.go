package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"bgg-roller/internal/models"
)

// BoltStore keeps the health map as one JSON document in a bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for %s", path)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open bolt database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(Namespace))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create health bucket")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) LoadHealth() (map[string]models.EndpointHealth, error) {
	health := make(map[string]models.EndpointHealth)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(Namespace))
		if b == nil {
			return nil
		}
		data := b.Get([]byte(healthKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &health)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load relay health")
	}
	return health, nil
}

func (s *BoltStore) SaveHealth(health map[string]models.EndpointHealth) error {
	data, err := json.Marshal(health)
	if err != nil {
		return errors.Wrap(err, "failed to encode relay health")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(Namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(healthKey), data)
	})
	return errors.Wrap(err, "failed to save relay health")
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
