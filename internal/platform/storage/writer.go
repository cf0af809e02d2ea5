package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// maxMirrorBytes bounds the payload size accepted when mirroring remote objects.
const maxMirrorBytes = 32 << 20

// ObjectWriter persists raw object bytes into Cloud Storage buckets.
type ObjectWriter struct {
	client *gcs.Client
}

// NewObjectWriter constructs an ObjectWriter backed by the provided Cloud Storage client.
func NewObjectWriter(client *gcs.Client) (*ObjectWriter, error) {
	if client == nil {
		return nil, errors.New("storage writer: client is required")
	}
	return &ObjectWriter{client: client}, nil
}

// WriteObject streams the body into the bucket under the given object path and
// returns the canonical https URL of the stored object.
func (w *ObjectWriter) WriteObject(ctx context.Context, bucket, object, contentType string, body io.Reader) (string, error) {
	if w == nil || w.client == nil {
		return "", errors.New("storage writer: client is not initialised")
	}

	bkt := strings.TrimSpace(bucket)
	obj := strings.TrimSpace(object)
	if bkt == "" || obj == "" {
		return "", errors.New("storage writer: bucket and object must be provided")
	}
	if body == nil {
		return "", errors.New("storage writer: body is required")
	}

	writer := w.client.Bucket(bkt).Object(obj).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, body); err != nil {
		writer.Close()
		return "", fmt.Errorf("storage writer: upload %s/%s: %w", bkt, obj, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("storage writer: finalize %s/%s: %w", bkt, obj, err)
	}
	return ObjectURL(bkt, obj), nil
}

// ObjectURL returns the canonical https URL for a stored object.
func ObjectURL(bucket, object string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", bucket, object)
}

// Mirror downloads remote objects and persists copies into Cloud Storage.
type Mirror struct {
	writer *ObjectWriter
	http   *http.Client
}

// NewMirror constructs a Mirror. A nil httpClient falls back to http.DefaultClient.
func NewMirror(writer *ObjectWriter, httpClient *http.Client) (*Mirror, error) {
	if writer == nil {
		return nil, errors.New("storage mirror: writer is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Mirror{writer: writer, http: httpClient}, nil
}

// MirrorObject fetches the source URL and stores the payload under bucket/object.
// It returns the canonical URL of the stored copy.
func (m *Mirror) MirrorObject(ctx context.Context, sourceURL, bucket, object string) (string, error) {
	if m == nil || m.writer == nil {
		return "", errors.New("storage mirror: not initialised")
	}
	source := strings.TrimSpace(sourceURL)
	if source == "" {
		return "", errors.New("storage mirror: source URL is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("storage mirror: build request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage mirror: fetch %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage mirror: fetch %s: unexpected status %d", source, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	limited := io.LimitReader(resp.Body, maxMirrorBytes)
	return m.writer.WriteObject(ctx, bucket, object, contentType, limited)
}
