package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ObjectStore is the subset of the S3 client the exporter uses.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Exporter archives reports as zstd-compressed JSON in S3.
type Exporter struct {
	client ObjectStore
	bucket string
}

// NewExporter returns an exporter writing to bucket.
func NewExporter(client ObjectStore, bucket string) *Exporter {
	return &Exporter{client: client, bucket: bucket}
}

// Key returns the object key of a run's report.
func Key(runID string) string {
	return "reports/" + runID + ".json.zst"
}

// Encode writes r to w as zstd-compressed JSON.
func Encode(w io.Writer, r *Report) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(r); err != nil {
		zw.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	return zw.Close()
}

// Decode reads a report written by Encode.
func Decode(rd io.Reader) (*Report, error) {
	zr, err := zstd.NewReader(rd)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()
	var r Report
	if err := json.NewDecoder(zr).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// Export uploads r and returns its key.
func (e *Exporter) Export(ctx context.Context, r *Report) (string, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, r); err != nil {
		return "", err
	}
	key := Key(r.RunID)
	size := buf.Len()
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(e.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("zstd"),
	})
	if err != nil {
		return "", fmt.Errorf("upload report %s: %w", key, err)
	}
	log.Info().Str("runId", r.RunID).Str("key", key).Int("bytes", size).Msg("Report exported to S3")
	return key, nil
}

// Fetch downloads and decodes the report of runID.
func (e *Exporter) Fetch(ctx context.Context, runID string) (*Report, error) {
	key := Key(runID)
	out, err := e.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download report %s: %w", key, err)
	}
	defer out.Body.Close()
	return Decode(out.Body)
}
