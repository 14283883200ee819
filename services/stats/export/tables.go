// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/teststats/services/stats/aggregate"
)

// ReportFileName is the name of the full JSON report written next to the
// CSV tables.
const ReportFileName = "report.json"

var tracer = otel.Tracer("teststats.export")

// WriteTables writes every well-known table as <name>.csv plus the full
// report as report.json.
//
// Description:
//
//	Tables are written in aggregate.TableNames order. The first failure
//	stops the export and is returned; objects already written are left in
//	place.
//
// Outputs:
//
//	[]string - Locations written, in order.
//	error - Non-nil on the first write failure.
func WriteTables(ctx context.Context, report *aggregate.Report, sink Sink) (written []string, err error) {
	if report == nil {
		return nil, fmt.Errorf("report must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink must not be nil")
	}

	ctx, span := tracer.Start(ctx, "export.WriteTables")
	defer func() {
		span.SetAttributes(attribute.Int("objects", len(written)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "export failed")
		}
		span.End()
	}()

	for _, table := range report.Tables() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		name := table.Name + ".csv"
		if err := writeObject(ctx, sink, name, func(w io.Writer) error {
			return writeCSV(w, table)
		}); err != nil {
			return written, err
		}
		written = append(written, sink.Location(name))
	}

	if err := writeObject(ctx, sink, ReportFileName, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}); err != nil {
		return written, err
	}
	written = append(written, sink.Location(ReportFileName))

	slog.Info("report exported",
		slog.Int("objects", len(written)),
		slog.String("report", sink.Location(ReportFileName)),
	)
	return written, nil
}

// writeCSV writes a header row then every data row.
func writeCSV(w io.Writer, table *aggregate.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(table.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(table.Rows); err != nil {
		return err
	}
	return cw.Error()
}

func writeObject(ctx context.Context, sink Sink, name string, fill func(io.Writer) error) error {
	wc, err := sink.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("opening %s: %w", sink.Location(name), err)
	}
	if err := fill(wc); err != nil {
		return errors.Join(fmt.Errorf("writing %s: %w", sink.Location(name), err), wc.Close())
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", sink.Location(name), err)
	}
	return nil
}
