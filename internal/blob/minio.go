// Package blob stores raw vendor payloads durably in object storage.
// Objects are keyed "<integrationID>/<filename>"; filenames are generated
// to be globally unique, so concurrent writers never collide.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Storage struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, secure bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object storage: %w", err)
	}
	return &Storage{client: client, bucket: bucket}, nil
}

func objectKey(integrationID, name string) string {
	return integrationID + "/" + name
}

// Upload writes a payload with its user metadata.
func (s *Storage) Upload(ctx context.Context, integrationID string, payload []byte, name string, metadata map[string]string) error {
	key := objectKey(integrationID, name)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType:  "application/xml",
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// UpdateMetadata rewrites an object's user metadata in place, preserving
// keys not present in metadata. Object storage has no partial metadata
// update, so this is a same-key copy with a replace directive.
func (s *Storage) UpdateMetadata(ctx context.Context, integrationID, name string, metadata map[string]string) error {
	key := objectKey(integrationID, name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}

	merged := make(map[string]string, len(info.UserMetadata)+len(metadata))
	for k, v := range info.UserMetadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}

	src := minio.CopySrcOptions{Bucket: s.bucket, Object: key}
	dst := minio.CopyDestOptions{
		Bucket:          s.bucket,
		Object:          key,
		UserMetadata:    merged,
		ReplaceMetadata: true,
	}
	if _, err := s.client.CopyObject(ctx, dst, src); err != nil {
		return fmt.Errorf("updating metadata for %s: %w", key, err)
	}
	return nil
}

// Download reads a staged payload back for processing.
func (s *Storage) Download(ctx context.Context, integrationID, name string) ([]byte, error) {
	key := objectKey(integrationID, name)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return payload, nil
}
