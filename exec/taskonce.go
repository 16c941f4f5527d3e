// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "sync"

// OnceTask manages a computation that must be run at most once.
// It's similar to sync.Once, except it also handles and returns errors.
type onceTask struct {
	once sync.Once
	err  error
}

// TaskOnce coordinates actions that must happen once per key, such as
// the acceptance of a job by the entry stage. Concurrent callers with
// the same key share a single run of the action.
type taskOnce struct {
	mu    sync.Mutex
	tasks map[string]*onceTask
}

// Do invokes the action named by key at most once, and returns the
// error produced by it. Callers that arrive while the action is
// running wait for it to complete.
func (t *taskOnce) Do(key string, do func() error) error {
	t.mu.Lock()
	if t.tasks == nil {
		t.tasks = make(map[string]*onceTask)
	}
	task := t.tasks[key]
	if task == nil {
		task = new(onceTask)
		t.tasks[key] = task
	}
	t.mu.Unlock()
	task.once.Do(func() { task.err = do() })
	return task.err
}

// Forget forgets past computations associated with the provided key,
// so that the next call to Do runs the action again.
func (t *taskOnce) Forget(key string) {
	t.mu.Lock()
	delete(t.tasks, key)
	t.mu.Unlock()
}
