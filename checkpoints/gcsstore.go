// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"k8s.io/klog/v2"
)

// GCSStore is a Store in a Google Cloud Storage bucket: one object per name, under an optional prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a GCSStore using the default credentials of the environment.
// Objects are named prefix + "/" + name (or just name if prefix is empty). Close releases the client.
func NewGCSStore(ctx context.Context, bucket, prefix string) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS storage client")
	}
	return NewGCSStoreWithClient(client, bucket, prefix), nil
}

// NewGCSStoreWithClient creates a GCSStore using the given client.
func NewGCSStoreWithClient(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Close the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) objectKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *GCSStore) url(name string) string {
	return "gs://" + s.bucket + "/" + s.objectKey(name)
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, name string, data []byte) error {
	log := klog.FromContext(ctx)
	gcsURL := s.url(name)
	log.Info("uploading checkpoint to GCS", "url", gcsURL, "bytes", len(data))

	startedAt := time.Now()
	w := s.client.Bucket(s.bucket).Object(s.objectKey(name)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "uploading %q to GCS", gcsURL)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "closing GCS writer for %q", gcsURL)
	}
	log.Info("uploaded checkpoint to GCS", "url", gcsURL, "duration", time.Since(startedAt))
	return nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, name string) ([]byte, error) {
	gcsURL := s.url(name)
	r, err := s.client.Bucket(s.bucket).Object(s.objectKey(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "%q", gcsURL)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening object from GCS %q", gcsURL)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading from GCS %q", gcsURL)
	}
	klog.FromContext(ctx).V(1).Info("downloaded checkpoint from GCS", "url", gcsURL, "bytes", len(data))
	return data, nil
}

// List implements Store. Only objects directly under the prefix are listed.
func (s *GCSStore) List(ctx context.Context) ([]string, error) {
	query := &storage.Query{Delimiter: "/"}
	if s.prefix != "" {
		query.Prefix = s.prefix + "/"
	}
	var names []string
	it := s.client.Bucket(s.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "listing gs://%s/%s", s.bucket, query.Prefix)
		}
		if attrs.Name == "" {
			// Sub-directory prefixes.
			continue
		}
		names = append(names, strings.TrimPrefix(attrs.Name, query.Prefix))
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements Store.
func (s *GCSStore) Delete(ctx context.Context, name string) error {
	err := s.client.Bucket(s.bucket).Object(s.objectKey(name)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return errors.Wrapf(err, "deleting %q", s.url(name))
	}
	return nil
}
