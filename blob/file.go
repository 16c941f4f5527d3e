// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blob

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// NewFile returns a store that keeps its objects under the provided
// grailfile prefix; thus objects can be stored at any URL supported by
// grailfile (e.g., S3). The prefix must be a directory.
//
// On local paths, Put creates objects exclusively: of any number of
// racing writers, across processes, exactly one succeeds. Other
// grailfile schemes (S3) have no conditional create, so there Put is
// write-once only among the writers of a single store instance;
// writers in different processes may overwrite each other. Such stores
// may not be shared between processes.
func NewFile(prefix string) Store {
	return &fileStore{
		prefix: strings.TrimSuffix(prefix, "/"),
		local:  !strings.Contains(prefix, "://"),
		locks:  make(map[string]*keyLock),
	}
}

// SharedWriteOnce tells whether the store at url keeps its write-once
// guarantee when it is written by more than one process.
func SharedWriteOnce(url string) bool {
	scheme, _ := split(url)
	switch scheme {
	case "mem", "s3":
		return false
	}
	return true
}

// FileStore is a store implementation that uses grailfiles.
type fileStore struct {
	prefix string
	local  bool

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (s *fileStore) path(key string) string {
	return file.Join(s.prefix, key)
}

func (s *fileStore) Put(ctx context.Context, key string, p []byte) error {
	if s.local {
		return s.putLocal(key, p)
	}
	unlock := s.lock(key)
	defer unlock()
	path := s.path(key)
	if _, err := file.Stat(ctx, path); err == nil {
		return errors.E(errors.Exists, fmt.Sprintf("put %s", path))
	} else if !notExist(err) {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err = f.Writer(ctx).Write(p); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

// PutLocal writes p to a temporary file beside the object and then
// links it into place. Link fails if the target exists, so exactly one
// of a set of racing writers installs its value.
func (s *fileStore) putLocal(key string, p []byte) (err error) {
	path := s.path(key)
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0777); err != nil {
		return errors.E(fmt.Sprintf("put %s", path), err)
	}
	f, err := ioutil.TempFile(dir, ".put-*")
	if err != nil {
		return errors.E(fmt.Sprintf("put %s", path), err)
	}
	defer os.Remove(f.Name()) // nolint: errcheck
	if _, err = f.Write(p); err != nil {
		f.Close()
		return errors.E(fmt.Sprintf("put %s", path), err)
	}
	if err = f.Close(); err != nil {
		return errors.E(fmt.Sprintf("put %s", path), err)
	}
	if err = os.Link(f.Name(), path); err != nil {
		if os.IsExist(err) {
			return errors.E(errors.Exists, fmt.Sprintf("put %s", path))
		}
		return errors.E(fmt.Sprintf("put %s", path), err)
	}
	return nil
}

// Lock acquires the per-key write lock, returning its release.
func (s *fileStore) lock(key string) (unlock func()) {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = new(keyLock)
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path := s.path(key)
	f, err := file.Open(ctx, path)
	if err != nil {
		if notExist(err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", path), err)
		}
		return nil, err
	}
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if closeErr := f.Close(ctx); err == nil {
		err = closeErr
	}
	return p, err
}

func (s *fileStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	path := s.path(key)
	f, err := file.Open(ctx, path)
	if err != nil {
		if notExist(err) {
			return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", path), err)
		}
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	info, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	if err = checkRange(path, info.Size(), off, n); err != nil {
		return nil, err
	}
	r := f.Reader(ctx)
	if _, err = r.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if _, err = io.ReadFull(r, p); err != nil {
		return nil, errors.E(fmt.Sprintf("get %s [%d, %d)", path, off, off+n), err)
	}
	return p, nil
}

func (s *fileStore) Stat(ctx context.Context, key string) (Info, error) {
	path := s.path(key)
	info, err := file.Stat(ctx, path)
	if err != nil {
		if notExist(err) {
			return Info{}, errors.E(errors.NotExist, fmt.Sprintf("stat %s", path), err)
		}
		return Info{}, err
	}
	return Info{Size: info.Size()}, nil
}

func (s *fileStore) List(ctx context.Context, prefix string) ([]string, error) {
	// Listing operates on directories; objects are filtered by the
	// full prefix afterwards. Keys may be nested arbitrarily deep
	// below the listed directory.
	dir := s.prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = s.path(prefix[:i])
	}
	var keys []string
	lst := file.List(ctx, dir, true)
	for lst.Scan() {
		key := strings.TrimPrefix(strings.TrimPrefix(lst.Path(), s.prefix), "/")
		if strings.HasPrefix(key, prefix) && !isTemp(key) {
			keys = append(keys, key)
		}
	}
	if err := lst.Err(); err != nil && !notExist(err) {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	if err := file.Remove(ctx, s.path(key)); err != nil && !notExist(err) {
		return err
	}
	return nil
}

// IsTemp tells whether key names a put in progress.
func isTemp(key string) bool {
	i := strings.LastIndex(key, "/")
	return strings.HasPrefix(key[i+1:], ".put-")
}
