// Package reports archives provisioning run reports to object storage as
// zstd-compressed JSON.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"vpsd/pkg/model"
)

const contentType = "application/zstd"

type uploader interface {
	PutObject(ctx context.Context, bucket, key, contentType string, data []byte) error
}

// Archiver writes each run report under reports/<service-id>/<run-id>.json.zst.
type Archiver struct {
	store  uploader
	bucket string
	logger zerolog.Logger
}

func New(store uploader, bucket string, logger zerolog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Archiver{store: store, bucket: bucket, logger: logger.With().Str("component", "reports").Logger()}, nil
}

// Key returns the object key of a run report.
func Key(serviceID, runID uuid.UUID) string {
	return fmt.Sprintf("reports/%s/%s.json.zst", serviceID, runID)
}

// RecordRun compresses and uploads the report.
func (a *Archiver) RecordRun(ctx context.Context, report model.RunReport) error {
	data, err := Encode(report)
	if err != nil {
		return err
	}
	key := Key(report.ServiceID, report.RunID)
	if err := a.store.PutObject(ctx, a.bucket, key, contentType, data); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.logger.Debug().Str("key", key).Int("bytes", len(data)).Msg("run report archived")
	return nil
}

// Encode returns the compressed JSON form of a report.
func Encode(report model.RunReport) ([]byte, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("compress report: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a report written by Encode.
func Decode(r io.Reader) (model.RunReport, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return model.RunReport{}, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var report model.RunReport
	if err := json.NewDecoder(dec).Decode(&report); err != nil {
		return model.RunReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}
