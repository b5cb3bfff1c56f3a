package report

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/oshokin/fwforge/internal/config"
	"github.com/oshokin/fwforge/internal/install"
)

// ErrNotFound is returned when no report exists for a session.
var ErrNotFound = errors.New("report not found")

// errSessionIDRequired is returned when a report has no session id.
var errSessionIDRequired = errors.New("report has no session id")

const (
	// reportExtension is the file suffix of stored reports.
	reportExtension = ".json"
	// keyPrefix namespaces report keys in badger.
	keyPrefix = "report:"
	// dirPermissions is used for the report directory.
	dirPermissions = 0o750
)

// Repository stores installation reports.
type Repository interface {
	// Save stores report under its session id, replacing an existing one.
	Save(ctx context.Context, report *install.Report) error
	// Load returns the report of sessionID or ErrNotFound.
	Load(ctx context.Context, sessionID string) (*install.Report, error)
	// List returns the stored session ids in ascending order.
	List(ctx context.Context) ([]string, error)
	// Close releases the store.
	Close() error
}

// Open returns the repository selected by the report configuration.
func Open(cfg config.Report) (Repository, error) {
	switch cfg.Store {
	case config.ReportStoreBadger:
		return NewBadgerRepository(cfg.Path)
	default:
		return NewFileRepository(cfg.Path)
	}
}

// FileRepository keeps one JSON document per session in a directory.
type FileRepository struct {
	// dir holds the report files.
	dir string
	// mu serializes access to the directory.
	mu sync.Mutex
}

// NewFileRepository creates dir if needed and returns a repository over it.
func NewFileRepository(dir string) (*FileRepository, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}

	return &FileRepository{dir: dir}, nil
}

// Save implements Repository.
func (r *FileRepository) Save(_ context.Context, report *install.Report) error {
	if report.SessionID == "" {
		return errSessionIDRequired
	}

	data, err := encode(report)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err = os.WriteFile(r.path(report.SessionID), data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}

	return nil
}

// Load implements Repository.
func (r *FileRepository) Load(_ context.Context, sessionID string) (*install.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read report file: %w", err)
	}

	return decode(contents)
}

// List implements Repository.
func (r *FileRepository) List(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), reportExtension) {
			continue
		}

		ids = append(ids, strings.TrimSuffix(entry.Name(), reportExtension))
	}

	sort.Strings(ids)

	return ids, nil
}

// Close implements Repository.
func (r *FileRepository) Close() error {
	return nil
}

func (r *FileRepository) path(sessionID string) string {
	return filepath.Join(r.dir, filepath.Base(sessionID)+reportExtension)
}

// BadgerRepository keeps reports in a badger database.
type BadgerRepository struct {
	// db is the open database.
	db *badger.DB
}

// NewBadgerRepository opens the database at dir; an empty dir opens an in-memory store.
func NewBadgerRepository(dir string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open report database: %w", err)
	}

	return &BadgerRepository{db: db}, nil
}

func reportKey(sessionID string) []byte {
	return []byte(keyPrefix + sessionID)
}

// Save implements Repository.
func (r *BadgerRepository) Save(_ context.Context, report *install.Report) error {
	if report.SessionID == "" {
		return errSessionIDRequired
	}

	data, err := encode(report)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(reportKey(report.SessionID), data)
	})
}

// Load implements Repository.
func (r *BadgerRepository) Load(_ context.Context, sessionID string) (*install.Report, error) {
	var out *install.Report

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(reportKey(sessionID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}

			return err
		}

		return item.Value(func(v []byte) error {
			out, err = decode(v)

			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// List implements Repository.
func (r *BadgerRepository) List(_ context.Context) ([]string, error) {
	var ids []string

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	return ids, nil
}

// Close implements Repository.
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
