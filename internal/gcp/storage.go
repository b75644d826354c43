package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// ParseGCSUri splits "gs://bucket/path/to/object" into bucket and object name.
func ParseGCSUri(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("gs:// uri needs a bucket and an object: %q", uri)
	}
	return bucket, object, nil
}

// DownloadFromGCS streams an object to destPath and returns its attributes.
func DownloadFromGCS(ctx context.Context, client *storage.Client, bucket, object, destPath string) (*storage.ObjectAttrs, error) {
	obj := client.Bucket(bucket).Object(object)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes of gs://%s/%s: %w", bucket, object, err)
	}
	// Pin the generation so the bytes match the attributes.
	reader, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	localFile, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file at %s: %w", destPath, err)
	}
	defer localFile.Close()
	if _, err := io.Copy(localFile, reader); err != nil {
		return nil, fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return attrs, nil
}

// SaveToGCS writes content to a GCS object, replacing any previous version.
func SaveToGCS(ctx context.Context, bucket *storage.BucketHandle, objectName, content string) error {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	writer := bucket.Object(objectName).NewWriter(writeCtx)
	writer.ContentType = "text/plain; charset=utf-8"

	if _, err := io.Copy(writer, strings.NewReader(content)); err != nil {
		// Cancelling before Close discards the partial upload.
		cancel()
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	slog.Debug("Saved object.", "gcsObject", objectName, "bytes", len(content))
	return nil
}
