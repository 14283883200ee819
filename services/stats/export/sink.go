// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export writes report tables to files or object storage and
// publishes summary counts as time series.
package export

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Sink creates named output objects.
type Sink interface {
	// Create opens name for writing. The object is complete once the
	// returned writer is closed without error.
	Create(ctx context.Context, name string) (io.WriteCloser, error)

	// Location describes where name ends up, for logging.
	Location(name string) string
}

// DirSink writes objects as files under Dir.
type DirSink struct {
	Dir string
}

var _ Sink = (*DirSink)(nil)

// Create implements Sink.
func (d *DirSink) Create(_ context.Context, name string) (io.WriteCloser, error) {
	p := d.Location(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(p), err)
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", p, err)
	}
	return f, nil
}

// Location implements Sink.
func (d *DirSink) Location(name string) string {
	return filepath.Join(d.Dir, filepath.FromSlash(name))
}

// GCSSink writes objects to a Cloud Storage bucket under Prefix.
type GCSSink struct {
	Bucket *storage.BucketHandle
	Name   string
	Prefix string
}

var _ Sink = (*GCSSink)(nil)

// NewGCSClient creates a storage client. An empty credentialsFile uses
// application default credentials.
func NewGCSClient(ctx context.Context, credentialsFile string) (*storage.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return client, nil
}

// NewGCSSink returns a sink writing to bucket/prefix.
func NewGCSSink(client *storage.Client, bucket, prefix string) *GCSSink {
	return &GCSSink{Bucket: client.Bucket(bucket), Name: bucket, Prefix: strings.Trim(prefix, "/")}
}

// Create implements Sink.
func (g *GCSSink) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	w := g.Bucket.Object(g.objectName(name)).NewWriter(ctx)
	w.ContentType = contentType(name)
	return w, nil
}

// Location implements Sink.
func (g *GCSSink) Location(name string) string {
	return "gs://" + g.Name + "/" + g.objectName(name)
}

func (g *GCSSink) objectName(name string) string {
	if g.Prefix == "" {
		return name
	}
	return path.Join(g.Prefix, name)
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".csv":
		return "text/csv"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
