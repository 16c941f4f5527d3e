// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blob

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a store implementation that keeps objects as redis
// strings. Put uses SETNX, so write-once is atomic.
type redisStore struct {
	client *redis.Client
}

// OpenRedis connects to the redis server named by url
// (redis://[user:password@]host:port/db) and returns a store backed
// by it.
func OpenRedis(ctx context.Context, url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("blob.OpenRedis %s", url), err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 30 * time.Second
	opts.WriteTimeout = 30 * time.Second
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.E(errors.Unavailable, fmt.Sprintf("blob.OpenRedis %s", opts.Addr), err)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Put(ctx context.Context, key string, p []byte) error {
	ok, err := s.client.SetNX(ctx, key, p, 0).Result()
	if err != nil {
		return errors.E(errors.Net, fmt.Sprintf("put %s", key), err)
	}
	if !ok {
		return errors.E(errors.Exists, fmt.Sprintf("put %s", key))
	}
	return nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", key))
	}
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("get %s", key), err)
	}
	return p, nil
}

func (s *redisStore) GetRange(ctx context.Context, key string, off, n int64) ([]byte, error) {
	info, err := s.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if err = checkRange(key, info.Size, off, n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	// GETRANGE bounds are inclusive.
	p, err := s.client.GetRange(ctx, key, off, off+n-1).Bytes()
	if err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("get %s", key), err)
	}
	return p, nil
}

func (s *redisStore) Stat(ctx context.Context, key string) (Info, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return Info{}, errors.E(errors.Net, fmt.Sprintf("stat %s", key), err)
	}
	if n == 0 {
		return Info{}, errors.E(errors.NotExist, fmt.Sprintf("stat %s", key))
	}
	size, err := s.client.StrLen(ctx, key).Result()
	if err != nil {
		return Info{}, errors.E(errors.Net, fmt.Sprintf("stat %s", key), err)
	}
	return Info{Size: size}, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (s *redisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 1000).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.E(errors.Net, fmt.Sprintf("list %s", prefix), err)
	}
	// SCAN may return a key more than once.
	sort.Strings(keys)
	out := keys[:0]
	for i, key := range keys {
		if i == 0 || key != keys[i-1] {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.E(errors.Net, fmt.Sprintf("delete %s", key), err)
	}
	return nil
}

// Close closes the underlying client.
func (s *redisStore) Close() error {
	return s.client.Close()
}
