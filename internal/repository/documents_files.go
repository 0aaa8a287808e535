package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iago/jobsync/internal/domain"
)

const (
	documentExt     = ".json"
	defaultDebounce = 100 * time.Millisecond
)

// DirectoryDocumentStore keeps one <id>.json file per record and watches the
// directory for edits made by other processes.
type DirectoryDocumentStore struct {
	dir      string
	logger   *log.Logger
	debounce time.Duration

	writeMu sync.Mutex
}

func NewDirectoryDocumentStore(dir string, logger *log.Logger) (*DirectoryDocumentStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("documents directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create documents directory: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &DirectoryDocumentStore{dir: dir, logger: logger, debounce: defaultDebounce}, nil
}

func (s *DirectoryDocumentStore) path(id string) string {
	return filepath.Join(s.dir, id+documentExt)
}

// Put writes a raw document atomically.
func (s *DirectoryDocumentStore) Put(id string, raw []byte) error {
	if strings.ContainsAny(id, `/\`) || strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: bad document id %q", domain.ErrInvalidRecord, id)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeFile(id, raw)
}

func (s *DirectoryDocumentStore) writeFile(id string, raw []byte) error {
	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}

func (s *DirectoryDocumentStore) SubmitWrite(ctx context.Context, recordID string, mutation domain.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	raw, err := os.ReadFile(s.path(recordID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read document: %w", err)
	}
	updated, err := applyPatch(raw, mutation)
	if err != nil {
		return err
	}
	return s.writeFile(recordID, updated)
}

func (s *DirectoryDocumentStore) SubscribeRecords(ctx context.Context, ownerID string, handler func([]Document)) error {
	return s.watch(ctx, func() error {
		docs, err := s.readDocuments()
		if err != nil {
			return err
		}
		visible := docs[:0]
		for _, doc := range docs {
			if visibleTo(doc.Data, ownerID) {
				visible = append(visible, doc)
			}
		}
		handler(visible)
		return nil
	})
}

// SubscribeIndex derives the index projection from every document in the
// directory, regardless of owner.
func (s *DirectoryDocumentStore) SubscribeIndex(ctx context.Context, companyID string, handler func([]domain.SearchIndexEntry)) error {
	return s.watch(ctx, func() error {
		docs, err := s.readDocuments()
		if err != nil {
			return err
		}
		entries := make([]domain.SearchIndexEntry, 0, len(docs))
		for _, doc := range docs {
			record, err := domain.DecodeRecord(doc.ID, doc.Data)
			if err != nil {
				continue
			}
			if companyID != "" && record.CompanyID != "" && record.CompanyID != companyID {
				continue
			}
			entries = append(entries, domain.SearchIndexEntry{
				ID:        record.ID,
				CompanyID: record.CompanyID,
				Address:   record.Address,
				JobNumber: record.JobNumber,
				Status:    record.Status,
				OwnerID:   record.OwnerID,
				Date:      record.Date,
			})
		}
		handler(entries)
		return nil
	})
}

func (s *DirectoryDocumentStore) readDocuments() ([]Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read documents directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != documentExt {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read document %s: %w", name, err)
		}
		docs = append(docs, Document{ID: strings.TrimSuffix(name, documentExt), Data: raw})
	}
	return docs, nil
}

// watch runs reload once, then again after every debounced burst of .json
// changes in the directory.
func (s *DirectoryDocumentStore) watch(ctx context.Context, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch documents directory %s: %w", s.dir, err)
	}
	if err := reload(); err != nil {
		return err
	}

	timer := time.NewTimer(s.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("documents watcher closed")
			}
			if filepath.Ext(event.Name) != documentExt {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(s.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("documents watcher closed")
			}
			s.logger.Printf("documents watcher error dir=%s err=%v", s.dir, err)
		case <-timer.C:
			if err := reload(); err != nil {
				return err
			}
		}
	}
}
