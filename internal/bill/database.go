package bill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	uploadsBucketName = "uploads"
	fileIndexBucket   = "uploads_by_file"
)

// Registry defines the interface for upload record storage.
//
// Records are keyed by ID with a secondary index on FileKey.
type Registry interface {
	// Put writes a record, replacing any record with the same ID
	Put(ctx context.Context, record *Record) error

	// PutIf writes a record only if the stored record with the same ID meets
	// want. Returns ErrConditionFailed otherwise.
	PutIf(ctx context.Context, record *Record, want Precondition) error

	// Get returns the record with the given ID, or nil when there is none
	Get(ctx context.Context, id string) (*Record, error)

	// FindByFileKey returns every record for a file key
	FindByFileKey(ctx context.Context, fileKey string) ([]*Record, error)

	// Delete removes a record by ID
	Delete(ctx context.Context, id string) error

	// Close closes the registry
	Close() error
}

// Precondition is the stored state a conditional write requires
type Precondition struct {
	// Status the stored record must have. Empty means no record may exist.
	Status Status

	// FileKey the stored record must refer to, when set
	FileKey string
}

// met reports whether current satisfies the precondition
func (p Precondition) met(current *Record) bool {
	if p.Status == "" {
		return current == nil
	}
	if current == nil || current.Status != p.Status {
		return false
	}
	return p.FileKey == "" || current.FileKey == p.FileKey
}

// BoltDB implements the Registry interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(uploadsBucketName)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(fileIndexBucket)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// Put saves a record to the database
func (b *BoltDB) Put(ctx context.Context, record *Record) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx, record)
	})
}

// PutIf saves a record if the stored one meets want.
// The check and the write share one transaction.
func (b *BoltDB) PutIf(ctx context.Context, record *Record, want Precondition) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		current, err := getRecord(tx, record.ID)
		if err != nil {
			return err
		}
		if !want.met(current) {
			return fmt.Errorf("%w: record %s", ErrConditionFailed, record.ID)
		}
		return putRecord(tx, record)
	})
}

// Get retrieves a record by ID
func (b *BoltDB) Get(ctx context.Context, id string) (*Record, error) {
	var record *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		record, err = getRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// FindByFileKey returns all records indexed under a file key
func (b *BoltDB) FindByFileKey(ctx context.Context, fileKey string) ([]*Record, error) {
	records := make([]*Record, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(fileIndexBucket)).Bucket([]byte(fileKey))
		if index == nil {
			return nil
		}
		return index.ForEach(func(id, _ []byte) error {
			record, err := getRecord(tx, string(id))
			if err != nil {
				return err
			}
			if record != nil {
				records = append(records, record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes a record and its index entry
func (b *BoltDB) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		current, err := getRecord(tx, id)
		if err != nil || current == nil {
			return err
		}
		if err := unindex(tx, current.FileKey, id); err != nil {
			return err
		}
		return tx.Bucket([]byte(uploadsBucketName)).Delete([]byte(id))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func getRecord(tx *bbolt.Tx, id string) (*Record, error) {
	data := tx.Bucket([]byte(uploadsBucketName)).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshaling record %s: %w", id, err)
	}
	return &record, nil
}

func putRecord(tx *bbolt.Tx, record *Record) error {
	if record.ID == "" || record.FileKey == "" {
		return fmt.Errorf("record requires an id and a file key")
	}

	current, err := getRecord(tx, record.ID)
	if err != nil {
		return err
	}
	if current != nil && current.FileKey != record.FileKey {
		if err := unindex(tx, current.FileKey, record.ID); err != nil {
			return err
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	if err := tx.Bucket([]byte(uploadsBucketName)).Put([]byte(record.ID), data); err != nil {
		return err
	}

	index, err := tx.Bucket([]byte(fileIndexBucket)).CreateBucketIfNotExists([]byte(record.FileKey))
	if err != nil {
		return fmt.Errorf("indexing record: %w", err)
	}
	return index.Put([]byte(record.ID), []byte{})
}

// unindex drops an id from a file key's index, removing the index when empty
func unindex(tx *bbolt.Tx, fileKey, id string) error {
	files := tx.Bucket([]byte(fileIndexBucket))
	index := files.Bucket([]byte(fileKey))
	if index == nil {
		return nil
	}
	if err := index.Delete([]byte(id)); err != nil {
		return err
	}
	if k, _ := index.Cursor().First(); k == nil {
		return files.DeleteBucket([]byte(fileKey))
	}
	return nil
}
