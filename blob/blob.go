// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blob implements the storage layer that carries bigmap
// artifacts, job bookkeeping, and result records. Stores are flat
// namespaces of named byte objects. Writes are write-once: a second
// Put of the same key fails with errors.Exists, which is how the
// stages above detect that a record has already been written.
package blob

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
)

// Info describes a stored object.
type Info struct {
	// Size is the object's size in bytes.
	Size int64
}

// Store is a strongly consistent object store: once a Put returns, a
// subsequent Get of the same key observes the object.
type Store interface {
	// Put stores p under key. If an object is already stored under
	// key, Put returns an error of kind errors.Exists and leaves the
	// stored object unchanged.
	Put(ctx context.Context, key string, p []byte) error

	// Get returns the object stored under key. If no such object
	// exists, an error of kind errors.NotExist is returned.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange returns n bytes of the object stored under key,
	// starting at byte offset off. Ranges that extend past the end of
	// the object fail with an error of kind errors.Invalid.
	GetRange(ctx context.Context, key string, off, n int64) ([]byte, error)

	// Stat returns metadata for the object stored under key, without
	// retrieving its contents.
	Stat(ctx context.Context, key string) (Info, error)

	// List returns the keys of all objects with the given prefix, in
	// lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes the object stored under key. Deleting a key that
	// does not exist is not an error.
	Delete(ctx context.Context, key string) error
}

// Open returns the store identified by url. The following schemes are
// supported:
//
//	mem://name                    a named, process-wide in-memory store
//	file:///dir, /dir, s3://b/p   objects stored through grailbio/base/file
//	redis://host:port/db          objects stored in redis
//	sqlite://path                 objects stored in a sqlite table
//	postgres://...                objects stored in a postgres table
func Open(ctx context.Context, url string) (Store, error) {
	scheme, rest := split(url)
	switch scheme {
	case "mem":
		return Memory(rest), nil
	case "", "file", "s3":
		if scheme == "file" {
			url = rest
		}
		if url == "" {
			return nil, errors.E(errors.Invalid, "blob.Open: empty path")
		}
		return NewFile(url), nil
	case "redis", "rediss":
		return OpenRedis(ctx, url)
	case "sqlite":
		return OpenSQL(ctx, "sqlite", rest)
	case "postgres", "postgresql":
		return OpenSQL(ctx, "postgres", url)
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("blob.Open %s: unsupported scheme %q", url, scheme))
	}
}

func split(url string) (scheme, rest string) {
	i := strings.Index(url, "://")
	if i < 0 {
		return "", url
	}
	return url[:i], url[i+3:]
}

// checkRange returns an error if [off, off+n) is not within an
// object of the provided size.
func checkRange(key string, size, off, n int64) error {
	if off < 0 || n < 0 || off+n > size {
		return errors.E(errors.Invalid, fmt.Sprintf("get %s: range [%d, %d) out of bounds for object of size %d", key, off, off+n, size))
	}
	return nil
}

// notExist tells whether err indicates a missing object.
func notExist(err error) bool {
	return errors.Is(errors.NotExist, err) || os.IsNotExist(err)
}
