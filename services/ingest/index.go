// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-openapi/strfmt"
)

// ErrDocumentNotFound is returned by Remove for an unknown id.
var ErrDocumentNotFound = errors.New("document not found in index")

const documentPrefix = "doc/"

// StoredDocument records one uploaded file.
type StoredDocument struct {
	// ID is the upstream document name, e.g. fileSearchStores/x/documents/y.
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	URI         string          `json:"uri"`
	MimeType    string          `json:"mimeType"`
	UploadDate  strfmt.DateTime `json:"uploadDate"`
}

// IndexConfig configures a DocumentIndex.
type IndexConfig struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps the index in RAM. Used by tests.
	InMemory bool
	// Logger receives badger's own messages. Nil silences them.
	Logger *slog.Logger
}

// DocumentIndex is the local record of what has been uploaded.
//
// # Thread Safety
//
// Safe for concurrent use.
type DocumentIndex struct {
	db *badger.DB
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenIndex opens or creates the index.
func OpenIndex(cfg IndexConfig) (*DocumentIndex, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("index path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create index directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open document index: %w", err)
	}
	return &DocumentIndex{db: db}, nil
}

// Close releases the database.
func (x *DocumentIndex) Close() error {
	return x.db.Close()
}

// Add stores doc, replacing any entry with the same id.
func (x *DocumentIndex) Add(doc StoredDocument) error {
	if doc.ID == "" {
		return errors.New("document id is required")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	return x.db.Update(func(txn *badger.Txn) error {
		return txn.Set(documentKey(doc.ID), data)
	})
}

// List returns every document, oldest upload first.
func (x *DocumentIndex) List() ([]StoredDocument, error) {
	var docs []StoredDocument
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(documentPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var doc StoredDocument
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return time.Time(docs[i].UploadDate).Before(time.Time(docs[j].UploadDate))
	})
	return docs, nil
}

// HasDisplayName reports whether a document with name is recorded.
func (x *DocumentIndex) HasDisplayName(name string) (bool, error) {
	docs, err := x.List()
	if err != nil {
		return false, err
	}
	for _, d := range docs {
		if d.DisplayName == name {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes the entry for id.
func (x *DocumentIndex) Remove(id string) error {
	return x.db.Update(func(txn *badger.Txn) error {
		key := documentKey(id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Clear removes every document. Used after the store itself is deleted.
func (x *DocumentIndex) Clear() error {
	return x.db.DropPrefix([]byte(documentPrefix))
}

func documentKey(id string) []byte {
	return []byte(documentPrefix + id)
}
