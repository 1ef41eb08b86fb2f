// Package gcs adapts Google Cloud Storage to the fraud pipeline: the
// dead-letter archive for undecodable payloads and reading replay files.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Client wraps a shared storage client.
type Client struct {
	client *storage.Client
}

// NewClient creates a storage client using Application Default Credentials
// unless opts say otherwise.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewClient: create storage client: %w", err)
	}
	return &Client{client: client}, nil
}

// Close closes the storage client.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// BucketExists reports whether bucket exists and is visible to the caller.
func (c *Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("BucketExists: reading attrs of %s: %w", bucket, err)
	}
	return true, nil
}

// Open returns a reader for the object named by a gs:// URI.
func (c *Client) Open(ctx context.Context, gcsURI string) (io.ReadCloser, error) {
	bucket, object, err := ParseURI(gcsURI)
	if err != nil {
		return nil, err
	}

	rc, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Open: reading object %s/%s: %w", bucket, object, err)
	}
	return rc, nil
}

// Fetch downloads the bytes of the object named by a gs:// URI.
func (c *Client) Fetch(ctx context.Context, gcsURI string) ([]byte, error) {
	rc, err := c.Open(ctx, gcsURI)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Fetch: reading bytes: %w", err)
	}
	return data, nil
}

// IsURI reports whether s looks like a gs:// URI.
func IsURI(s string) bool {
	return strings.HasPrefix(s, "gs://")
}

// ParseURI splits gs://bucket/path/to/object into bucket and object path.
func ParseURI(gcsURI string) (bucket, object string, err error) {
	if !IsURI(gcsURI) {
		return "", "", fmt.Errorf("invalid GCS URI: %s", gcsURI)
	}

	parts := strings.SplitN(strings.TrimPrefix(gcsURI, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", gcsURI)
	}
	return parts[0], parts[1], nil
}
