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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// PDFMimeType is the only type the ingest job uploads.
const PDFMimeType = "application/pdf"

// SourceFile is one candidate document.
type SourceFile struct {
	// Name is the base file name, e.g. "finance-act_2023.pdf".
	Name string
	// Path locates the file within its source.
	Path string
	Size int64
}

// Source enumerates and opens documents.
type Source interface {
	// List returns the PDFs in the source, sorted by name.
	List(ctx context.Context) ([]SourceFile, error)
	Open(ctx context.Context, f SourceFile) (io.ReadCloser, error)
	// String describes the source for logs.
	String() string
}

// IsPDF reports whether name has a .pdf extension, in any case.
func IsPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}

// =============================================================================
// Local directory
// =============================================================================

// LocalSource reads the top level of a directory.
type LocalSource struct {
	Dir string
}

func (s *LocalSource) String() string {
	return s.Dir
}

func (s *LocalSource) List(context.Context) ([]SourceFile, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading document directory %s: %w", s.Dir, err)
	}
	var files []SourceFile
	for _, e := range entries {
		if e.IsDir() || !IsPDF(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, SourceFile{
			Name: e.Name(),
			Path: filepath.Join(s.Dir, e.Name()),
			Size: info.Size(),
		})
	}
	return files, nil
}

func (s *LocalSource) Open(_ context.Context, f SourceFile) (io.ReadCloser, error) {
	return os.Open(f.Path)
}

// =============================================================================
// Cloud Storage
// =============================================================================

// GCSSource reads objects under a bucket prefix.
type GCSSource struct {
	client *storage.Client
	Bucket string
	Prefix string
}

// NewGCSSource opens a client for gs://bucket/prefix.
//
// Credentials come from opts, or from Application Default Credentials when
// none are given.
func NewGCSSource(ctx context.Context, uri string, opts ...option.ClientOption) (*GCSSource, error) {
	bucket, prefix, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSource{client: client, Bucket: bucket, Prefix: prefix}, nil
}

// ParseGCSURI splits gs://bucket/prefix.
func ParseGCSURI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return bucket, prefix, nil
}

func (s *GCSSource) String() string {
	return "gs://" + path.Join(s.Bucket, s.Prefix)
}

// Close releases the storage client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}

func (s *GCSSource) List(ctx context.Context) ([]SourceFile, error) {
	it := s.client.Bucket(s.Bucket).Objects(ctx, &storage.Query{Prefix: s.Prefix})
	var files []SourceFile
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", s, err)
		}
		if strings.HasSuffix(attrs.Name, "/") || !IsPDF(attrs.Name) {
			continue
		}
		files = append(files, SourceFile{
			Name: path.Base(attrs.Name),
			Path: attrs.Name,
			Size: attrs.Size,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *GCSSource) Open(ctx context.Context, f SourceFile) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.Bucket).Object(f.Path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening gs://%s/%s: %w", s.Bucket, f.Path, err)
	}
	return r, nil
}

// OpenSource picks the source for a CLI argument: gs:// URIs read from
// Cloud Storage, anything else is a local directory.
func OpenSource(ctx context.Context, arg string, opts ...option.ClientOption) (Source, error) {
	if strings.HasPrefix(arg, "gs://") {
		return NewGCSSource(ctx, arg, opts...)
	}
	info, err := os.Stat(arg)
	if err != nil {
		return nil, fmt.Errorf("document directory %s: %w", arg, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", arg)
	}
	return &LocalSource{Dir: arg}, nil
}
