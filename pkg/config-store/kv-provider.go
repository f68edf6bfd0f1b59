// Package configstore persists policy configuration in a durable key-value
// provider and layers a short-lived in-process cache on top, so that request
// handling never waits on storage and keeps serving the last known good
// configuration when storage misbehaves.
package configstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Metadata travels with every stored document.
type Metadata struct {
	// Version identifies the revision of the stored value. Opaque.
	Version string
	// UpdatedAt is the time the value was last written.
	UpdatedAt time.Time
}

// KVProvider is the durable layer underneath the store. Implementations must
// be safe for concurrent use. A missing key is reported with ok == false and
// a nil error, never with an error.
type KVProvider interface {
	Get(key string) ([]byte, bool, error)
	GetWithMetadata(key string) ([]byte, Metadata, bool, error)
	Put(key string, value []byte, meta Metadata) error
	Delete(key string) error
}

type memEntry struct {
	value []byte
	meta  Metadata
}

// MemKV is an in-memory provider for tests and single-node setups. Contents
// are lost on restart.
type MemKV struct {
	mutex *sync.RWMutex
	db    map[string]memEntry
}

func NewMemKV() MemKV {
	return MemKV{
		mutex: &sync.RWMutex{},
		db:    map[string]memEntry{},
	}
}

func (m MemKV) Get(key string) ([]byte, bool, error) {
	value, _, ok, err := m.GetWithMetadata(key)
	return value, ok, err
}

func (m MemKV) GetWithMetadata(key string) ([]byte, Metadata, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, Metadata{}, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, entry.meta, true, nil
}

func (m MemKV) Put(key string, value []byte, meta Metadata) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	m.db[key] = memEntry{value: stored, meta: meta}
	return nil
}

func (m MemKV) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

// SQLiteKV stores configuration in a local SQLite database.
type SQLiteKV struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteKV creates a provider backed by the given filename. If filename is
// empty, an in-memory database is opened. Panics if the database cannot be
// initialized, since nothing works without it.
func NewSQLiteKV(filename string) SQLiteKV {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value BLOB,
		version TEXT,
		updated INTEGER
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteKV{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteKV) Get(key string) ([]byte, bool, error) {
	value, _, ok, err := s.GetWithMetadata(key)
	return value, ok, err
}

func (s SQLiteKV) GetWithMetadata(key string) ([]byte, Metadata, bool, error) {
	var value []byte
	var version string
	var updated int64
	err := s.db.QueryRow("SELECT value, version, updated FROM config WHERE key = ?", key).
		Scan(&value, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Metadata{}, false, nil
	}
	if err != nil {
		return nil, Metadata{}, false, err
	}
	return value, Metadata{Version: version, UpdatedAt: time.Unix(updated, 0)}, true, nil
}

func (s SQLiteKV) Put(key string, value []byte, meta Metadata) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO config (key, value, version, updated) VALUES (?, ?, ?, ?)",
		key, value, meta.Version, meta.UpdatedAt.Unix())
	return err
}

func (s SQLiteKV) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM config WHERE key = ?", key)
	return err
}

// S3Options configures the object storage provider.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix is prepended to every object name, so several deployments can
	// share a bucket.
	Prefix string
	UseSSL bool
}

// S3KV stores configuration as objects in an S3-compatible bucket. Version
// and update time ride along as user metadata on the object.
type S3KV struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3KV creates a provider for the given bucket. Panics if the client
// cannot be constructed.
func NewS3KV(opts S3Options) S3KV {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		panic(err)
	}
	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return S3KV{
		client: client,
		bucket: opts.Bucket,
		prefix: prefix,
	}
}

func (s S3KV) objectName(key string) string {
	return s.prefix + strings.ReplaceAll(key, ":", "/")
}

func (s S3KV) Get(key string) ([]byte, bool, error) {
	value, _, ok, err := s.GetWithMetadata(key)
	return value, ok, err
}

func (s S3KV) GetWithMetadata(key string) ([]byte, Metadata, bool, error) {
	ctx := context.Background()
	name := s.objectName(key)
	info, err := s.client.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, Metadata{}, false, nil
		}
		return nil, Metadata{}, false, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, Metadata{}, false, err
	}
	defer obj.Close()
	value, err := io.ReadAll(obj)
	if err != nil {
		return nil, Metadata{}, false, err
	}
	return value, metadataFromUserMeta(info.UserMetadata, info.LastModified), true, nil
}

func (s S3KV) Put(key string, value []byte, meta Metadata) error {
	_, err := s.client.PutObject(
		context.Background(),
		s.bucket,
		s.objectName(key),
		bytes.NewReader(value),
		int64(len(value)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"version": meta.Version,
				"updated": meta.UpdatedAt.UTC().Format(time.RFC3339),
			},
		},
	)
	return err
}

func (s S3KV) Delete(key string) error {
	err := s.client.RemoveObject(context.Background(), s.bucket, s.objectName(key), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil
	}
	return err
}

// metadataFromUserMeta recovers stored metadata from object user metadata.
// S3 servers canonicalize header names, so keys are matched case-insensitively.
func metadataFromUserMeta(userMeta map[string]string, lastModified time.Time) Metadata {
	meta := Metadata{UpdatedAt: lastModified}
	for name, value := range userMeta {
		switch strings.ToLower(name) {
		case "version":
			meta.Version = value
		case "updated":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				meta.UpdatedAt = t
			}
		}
	}
	return meta
}
