package blobstore

import (
	"context"
	"path"
	"strings"
)

// PrefixedStore scopes a BlobStore to a name prefix. Each partition of the
// secondary index keeps its manifest chain and segments under its own prefix
// of a shared store.
type PrefixedStore struct {
	inner  BlobStore
	prefix string
}

// Prefixed returns a store whose names are prefixed with dir + "/".
func Prefixed(inner BlobStore, dir string) *PrefixedStore {
	return &PrefixedStore{inner: inner, prefix: strings.TrimSuffix(dir, "/") + "/"}
}

// Name returns the name a blob has in the underlying store.
func (s *PrefixedStore) Name(name string) string {
	return path.Join(s.prefix, name)
}

func (s *PrefixedStore) Open(ctx context.Context, name string) (Blob, error) {
	return s.inner.Open(ctx, s.Name(name))
}

func (s *PrefixedStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	return s.inner.Create(ctx, s.Name(name))
}

func (s *PrefixedStore) Put(ctx context.Context, name string, data []byte) error {
	return s.inner.Put(ctx, s.Name(name), data)
}

func (s *PrefixedStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, s.Name(name))
}

func (s *PrefixedStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.inner.List(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		out = append(out, strings.TrimPrefix(n, s.prefix))
	}
	return out, nil
}
