// Package archive preserves staged rows as Parquet objects in S3-compatible
// storage before the retention purge removes them from Postgres.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/ledgerlift/ledgerlift-core/internal/source"
)

// ObjectStore is the object-storage surface the archiver needs.
type ObjectStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// Archiver writes staged-row batches as Snappy-compressed Parquet objects,
// one object per prune cycle, keyed by resource and archive date.
type Archiver struct {
	store  ObjectStore
	bucket string
	prefix string
	log    *logrus.Entry
}

// New builds an archiver over the given object store.
func New(store ObjectStore, bucket, prefix string, log *logrus.Entry) *Archiver {
	return &Archiver{store: store, bucket: bucket, prefix: prefix, log: log}
}

// ArchiveRows writes one batch of staged rows and returns the object path.
func (a *Archiver) ArchiveRows(ctx context.Context, sch *source.Schema, rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	if err := a.store.EnsureBucket(ctx, a.bucket); err != nil {
		return "", fmt.Errorf("ensure archive bucket %s: %w", a.bucket, err)
	}

	data, err := encodeParquet(sch, rows)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s/%s/dt=%s/part-%s.parquet",
		a.prefix, sch.Resource, time.Now().UTC().Format("2006-01-02"), uuid.NewString())
	if err := a.store.PutObject(ctx, a.bucket, key, data); err != nil {
		return "", fmt.Errorf("put archive object %s: %w", key, err)
	}

	path := fmt.Sprintf("s3://%s/%s", a.bucket, key)
	a.log.WithFields(logrus.Fields{
		"resource": sch.Resource,
		"rows":     len(rows),
		"object":   path,
	}).Info("staging rows archived to object store")
	return path, nil
}

func encodeParquet(sch *source.Schema, rows []map[string]any) ([]byte, error) {
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(parquetSchema(sch), pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("open parquet writer for %s: %w", sch.Resource, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		payload, err := json.Marshal(projectRow(sch, row))
		if err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("encode archive row: %w", err)
		}
		if err := pw.Write(string(payload)); err != nil {
			_ = pw.WriteStop()
			_ = pfw.Close()
			return nil, fmt.Errorf("write archive row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		_ = pfw.Close()
		return nil, fmt.Errorf("finish parquet object: %w", err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

// parquetSchema renders the resource's declared schema as the JSON schema
// string the parquet writer expects. Every column is OPTIONAL: archive
// objects are for triage, not for re-loading, and staged rows may carry
// nulls in nullable fields.
func parquetSchema(sch *source.Schema) string {
	fields := make([]map[string]string, 0, len(sch.Fields)+2)
	for _, f := range sch.Fields {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", f.Name, parquetPhysicalType(f.Type)),
		})
	}
	fields = append(fields,
		map[string]string{"Tag": "name=batch_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
		map[string]string{"Tag": "name=staged_at, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"},
	)

	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetPhysicalType(t source.FieldType) string {
	switch t {
	case source.TypeBool:
		return "BOOLEAN"
	case source.TypeInt:
		return "INT64"
	case source.TypeDecimal:
		return "DOUBLE"
	default:
		return "BYTE_ARRAY, convertedtype=UTF8"
	}
}

// projectRow shapes one staged row for the parquet writer: declared columns
// in schema order plus batch bookkeeping, with non-scalar values stringified.
func projectRow(sch *source.Schema, row map[string]any) map[string]any {
	out := make(map[string]any, len(sch.Fields)+2)
	for _, f := range sch.Fields {
		out[f.Name] = parquetValue(f.Type, row[f.Name])
	}
	out["batch_id"] = parquetValue(source.TypeString, row["batch_id"])
	out["staged_at"] = parquetValue(source.TypeString, row["staged_at"])
	return out
}

func parquetValue(t source.FieldType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case source.TypeBool:
		if b, ok := v.(bool); ok {
			return b
		}
	case source.TypeInt:
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case int32:
			return int64(n)
		}
	case source.TypeDecimal:
		switch n := v.(type) {
		case float64:
			return n
		case float32:
			return float64(n)
		}
	}
	if ts, ok := v.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
