// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists aggregated reports as snapshots in BadgerDB and
// compares them.
package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
)

// ReportSchemaVersion is bumped when the stored report layout changes.
const ReportSchemaVersion = "1"

// BadgerDB key prefixes for report snapshots.
const (
	keyPrefixSnap      = "stats:snap:"
	keyPrefixSnapIndex = "stats:index:"
	keySuffixData      = ":data"
	keySuffixMeta      = ":meta"
	keySuffixLatest    = ":latest"
)

// ErrSnapshotNotFound is returned when no snapshot matches the request.
var ErrSnapshotNotFound = errors.New("snapshot not found")

var tracer = otel.Tracer("teststats.storage")

// SnapshotMetadata describes one saved report.
type SnapshotMetadata struct {
	// SnapshotID is SHA256(TestsRoot + creation time)[:16].
	SnapshotID string `json:"snapshot_id"`

	// TestsRoot is the scanned test tree.
	TestsRoot string `json:"tests_root"`

	// RootHash is SHA256(TestsRoot)[:16], used to group snapshots.
	RootHash string `json:"root_hash"`

	// ReportHash is the SHA256 of the uncompressed report JSON. Equal hashes
	// mean equal reports.
	ReportHash string `json:"report_hash"`

	// Label is an optional human-readable label.
	Label string `json:"label,omitempty"`

	// CreatedAtMilli is when the snapshot was saved (Unix milliseconds UTC).
	CreatedAtMilli int64 `json:"created_at_milli"`

	// CaseCount is the number of rows in the canonical table.
	CaseCount int `json:"case_count"`

	// SkipCount is the number of exact-skip rows.
	SkipCount int `json:"skip_count"`

	SchemaVersion string `json:"schema_version"`

	// CompressedSize is the size of the gzip payload in bytes.
	CompressedSize int64 `json:"compressed_size"`

	// ContentHash is the SHA256 of the compressed payload.
	ContentHash string `json:"content_hash"`
}

// SnapshotManager saves and loads report snapshots in BadgerDB.
//
// Description:
//
//	Each snapshot stores the full aggregate.Report as gzip-compressed JSON
//	plus metadata for listing. A per-root "latest" pointer lets the server
//	start from the most recent report without rescanning.
//
// Thread Safety:
//
//	Safe for concurrent use. BadgerDB handles its own concurrency control.
type SnapshotManager struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSnapshotManager creates a SnapshotManager over an opened BadgerDB.
//
// Inputs:
//
//	db - An opened BadgerDB instance. Must not be nil. The caller closes it.
//	logger - Logger for diagnostic output. Must not be nil.
//
// Outputs:
//
//	*SnapshotManager - The configured manager.
//	error - Non-nil if db or logger is nil.
func NewSnapshotManager(db *badger.DB, logger *slog.Logger) (*SnapshotManager, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &SnapshotManager{db: db, logger: logger, now: time.Now}, nil
}

// OpenDB opens (creating if needed) the on-disk snapshot store at dir.
func OpenDB(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store %s: %w", dir, err)
	}
	return db, nil
}

// Save persists a report snapshot.
//
// Description:
//
//	Serializes the report to JSON, gzip-compresses it and stores it with its
//	metadata in one transaction. Updates the latest pointer for the root.
//
// Key Schema:
//
//	stats:snap:{rootHash}:{snapshotID}:data → gzip(JSON(Report))
//	stats:snap:{rootHash}:{snapshotID}:meta → JSON(SnapshotMetadata)
//	stats:snap:{rootHash}:latest            → snapshotID
//	stats:index:{snapshotID}                → rootHash
func (m *SnapshotManager) Save(ctx context.Context, testsRoot string, report *aggregate.Report, label string) (*SnapshotMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if report == nil {
		return nil, fmt.Errorf("report must not be nil")
	}
	_, span := tracer.Start(ctx, "SnapshotManager.Save")
	defer span.End()

	jsonData, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshaling report: %w", err)
	}

	var compressed bytes.Buffer
	gw, err := gzip.NewWriterLevel(&compressed, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := gw.Write(jsonData); err != nil {
		return nil, fmt.Errorf("compressing report: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	compressedData := compressed.Bytes()

	created := m.now()
	rootHash := RootHash(testsRoot)
	snapshotID := hashString(fmt.Sprintf("%s:%d", testsRoot, created.UnixNano()))[:16]

	meta := &SnapshotMetadata{
		SnapshotID:     snapshotID,
		TestsRoot:      testsRoot,
		RootHash:       rootHash,
		ReportHash:     hashBytes(jsonData),
		Label:          label,
		CreatedAtMilli: created.UnixMilli(),
		CaseCount:      len(report.Cases),
		SkipCount:      len(report.Cases) - len(report.MainView()),
		SchemaVersion:  ReportSchemaVersion,
		CompressedSize: int64(len(compressedData)),
		ContentHash:    hashBytes(compressedData),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(dataKey(rootHash, snapshotID)), compressedData); err != nil {
			return fmt.Errorf("storing data: %w", err)
		}
		if err := txn.Set([]byte(metaKey(rootHash, snapshotID)), metaJSON); err != nil {
			return fmt.Errorf("storing metadata: %w", err)
		}
		if err := txn.Set([]byte(latestKey(rootHash)), []byte(snapshotID)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		if err := txn.Set([]byte(keyPrefixSnapIndex+snapshotID), []byte(rootHash)); err != nil {
			return fmt.Errorf("storing reverse index: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		return nil, fmt.Errorf("writing snapshot to badger: %w", err)
	}

	span.SetAttributes(
		attribute.String("snapshot_id", snapshotID),
		attribute.Int("case_count", meta.CaseCount),
		attribute.Int64("compressed_size", meta.CompressedSize),
	)
	m.logger.Info("snapshot saved",
		slog.String("snapshot_id", snapshotID),
		slog.String("tests_root", testsRoot),
		slog.Int("case_count", meta.CaseCount),
		slog.Int64("compressed_size", meta.CompressedSize),
	)
	return meta, nil
}

// Load retrieves a snapshot by ID.
//
// Outputs:
//
//	*aggregate.Report - The stored report.
//	*SnapshotMetadata - Its metadata.
//	error - ErrSnapshotNotFound if the ID is unknown, or an integrity or
//	decoding error.
func (m *SnapshotManager) Load(ctx context.Context, snapshotID string) (*aggregate.Report, *SnapshotMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	if snapshotID == "" {
		return nil, nil, fmt.Errorf("snapshot ID must not be empty")
	}

	rootHash, err := m.readString(keyPrefixSnapIndex + snapshotID)
	if err != nil {
		return nil, nil, fmt.Errorf("looking up snapshot %s: %w", snapshotID, err)
	}
	return m.loadByKeys(rootHash, snapshotID)
}

// LoadLatest loads the most recent snapshot of a test tree.
func (m *SnapshotManager) LoadLatest(ctx context.Context, testsRoot string) (*aggregate.Report, *SnapshotMetadata, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx must not be nil")
	}
	rootHash := RootHash(testsRoot)
	snapshotID, err := m.readString(latestKey(rootHash))
	if err != nil {
		return nil, nil, fmt.Errorf("reading latest pointer for %s: %w", testsRoot, err)
	}
	return m.loadByKeys(rootHash, snapshotID)
}

// List returns snapshot metadata, newest first.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	testsRoot - Optional filter. If empty, returns snapshots of every root.
//	limit - Maximum number of results. If <= 0, defaults to 100.
func (m *SnapshotManager) List(ctx context.Context, testsRoot string, limit int) ([]*SnapshotMetadata, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if limit <= 0 {
		limit = 100
	}

	prefix := keyPrefixSnap
	if testsRoot != "" {
		prefix = keyPrefixSnap + RootHash(testsRoot) + ":"
	}

	results := make([]*SnapshotMetadata, 0)
	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key())
			if !strings.HasSuffix(key, keySuffixMeta) {
				continue
			}

			var meta SnapshotMetadata
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				m.logger.Warn("skipping corrupt metadata", slog.String("key", key), slog.Any("error", err))
				continue
			}
			results = append(results, &meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CreatedAtMilli != results[j].CreatedAtMilli {
			return results[i].CreatedAtMilli > results[j].CreatedAtMilli
		}
		return results[i].SnapshotID < results[j].SnapshotID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes a snapshot. If it was the latest of its root, the latest
// pointer moves to the newest remaining snapshot of that root, or is
// removed when none is left.
func (m *SnapshotManager) Delete(ctx context.Context, snapshotID string) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if snapshotID == "" {
		return fmt.Errorf("snapshot ID must not be empty")
	}

	rootHash, err := m.readString(keyPrefixSnapIndex + snapshotID)
	if err != nil {
		return fmt.Errorf("looking up snapshot %s: %w", snapshotID, err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		for _, key := range []string{
			dataKey(rootHash, snapshotID),
			metaKey(rootHash, snapshotID),
			keyPrefixSnapIndex + snapshotID,
		} {
			if err := txn.Delete([]byte(key)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("deleting %s: %w", key, err)
			}
		}

		item, err := txn.Get([]byte(latestKey(rootHash)))
		if err != nil {
			return nil
		}
		var current string
		_ = item.Value(func(val []byte) error {
			current = string(val)
			return nil
		})
		if current != snapshotID {
			return nil
		}
		next, err := newestInTxn(txn, rootHash, snapshotID)
		if err != nil {
			return err
		}
		if next == "" {
			if err := txn.Delete([]byte(latestKey(rootHash))); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("deleting latest pointer: %w", err)
			}
			return nil
		}
		if err := txn.Set([]byte(latestKey(rootHash)), []byte(next)); err != nil {
			return fmt.Errorf("updating latest pointer: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", snapshotID, err)
	}

	m.logger.Info("snapshot deleted", slog.String("snapshot_id", snapshotID))
	return nil
}

// newestInTxn returns the ID of the newest snapshot under rootHash other
// than exclude, ordered the same way as List. Empty if there is none.
func newestInTxn(txn *badger.Txn, rootHash, exclude string) (string, error) {
	prefix := []byte(keyPrefixSnap + rootHash + ":")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var best *SnapshotMetadata
	for it.Seek(prefix); it.Valid(); it.Next() {
		item := it.Item()
		if !strings.HasSuffix(string(item.Key()), keySuffixMeta) {
			continue
		}
		var meta SnapshotMetadata
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			continue
		}
		if meta.SnapshotID == exclude {
			continue
		}
		if best == nil || meta.CreatedAtMilli > best.CreatedAtMilli ||
			(meta.CreatedAtMilli == best.CreatedAtMilli && meta.SnapshotID < best.SnapshotID) {
			m := meta
			best = &m
		}
	}
	if best == nil {
		return "", nil
	}
	return best.SnapshotID, nil
}

func (m *SnapshotManager) loadByKeys(rootHash, snapshotID string) (*aggregate.Report, *SnapshotMetadata, error) {
	var compressedData, metaJSON []byte
	err := m.db.View(func(txn *badger.Txn) error {
		dataItem, err := txn.Get([]byte(dataKey(rootHash, snapshotID)))
		if err != nil {
			return fmt.Errorf("reading data for %s: %w", snapshotID, notFound(err))
		}
		if compressedData, err = dataItem.ValueCopy(nil); err != nil {
			return fmt.Errorf("copying data for %s: %w", snapshotID, err)
		}
		metaItem, err := txn.Get([]byte(metaKey(rootHash, snapshotID)))
		if err != nil {
			return fmt.Errorf("reading metadata for %s: %w", snapshotID, notFound(err))
		}
		if metaJSON, err = metaItem.ValueCopy(nil); err != nil {
			return fmt.Errorf("copying metadata for %s: %w", snapshotID, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var meta SnapshotMetadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling metadata for %s: %w", snapshotID, err)
	}
	if actual := hashBytes(compressedData); meta.ContentHash != "" && meta.ContentHash != actual {
		return nil, nil, fmt.Errorf("integrity check failed for %s: expected hash %s, got %s", snapshotID, meta.ContentHash, actual)
	}

	gr, err := gzip.NewReader(bytes.NewReader(compressedData))
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing snapshot %s: %w", snapshotID, err)
	}
	defer gr.Close()

	jsonData, err := io.ReadAll(gr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading decompressed data for %s: %w", snapshotID, err)
	}

	var report aggregate.Report
	if err := json.Unmarshal(jsonData, &report); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling report for %s: %w", snapshotID, err)
	}
	return &report, &meta, nil
}

// readString reads a small string value, mapping a missing key onto
// ErrSnapshotNotFound.
func (m *SnapshotManager) readString(key string) (string, error) {
	var out string
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return notFound(err)
		}
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	return out, err
}

func notFound(err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrSnapshotNotFound
	}
	return err
}

// RootHash returns SHA256(testsRoot)[:16] for use as a key prefix.
func RootHash(testsRoot string) string {
	return hashString(testsRoot)[:16]
}

func dataKey(rootHash, snapshotID string) string {
	return keyPrefixSnap + rootHash + ":" + snapshotID + keySuffixData
}

func metaKey(rootHash, snapshotID string) string {
	return keyPrefixSnap + rootHash + ":" + snapshotID + keySuffixMeta
}

func latestKey(rootHash string) string {
	return keyPrefixSnap + rootHash + keySuffixLatest
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
