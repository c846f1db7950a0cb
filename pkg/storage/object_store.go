package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBlobStore implements BlobStore for MinIO/S3 compatible storage.
type MinioBlobStore struct {
	client *minio.Client
	bucket string
}

// NewMinioBlobStore connects to MinIO and ensures the bucket exists.
func NewMinioBlobStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioBlobStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioBlobStore{client: client, bucket: bucket}, nil
}

// Put uploads an object.
func (m *MinioBlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Exists stats the object.
func (m *MinioBlobStore) Exists(ctx context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

// Open streams an object.
func (m *MinioBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	if ok, err := m.Exists(ctx, key); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrBlobNotFound
	}
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return obj, nil
}

// Delete removes an object. RemoveObject does not report missing keys, so
// existence is checked first to keep the removed count honest.
func (m *MinioBlobStore) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := m.Exists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	return true, nil
}

// DeletePrefix removes every object under prefix.
func (m *MinioBlobStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	prefix, err := CleanKey(prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix + "/", Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list objects: %w", obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("delete object: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Location returns the bucket path for prefix.
func (m *MinioBlobStore) Location(prefix string) string {
	return "minio: " + m.bucket + "/" + strings.Trim(prefix, "/") + "/"
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
