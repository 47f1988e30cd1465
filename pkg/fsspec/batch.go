package fsspec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BatchError reports the keys that failed in a batched operation. Keys
// missing from Errors succeeded.
type BatchError struct {
	Op     string
	Total  int
	Errors map[string]error
}

// Error implements error.
func (e *BatchError) Error() string {
	keys := e.keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Errors[k]))
	}
	return fmt.Sprintf("%s: %d of %d paths failed: %s", e.Op, len(keys), e.Total, strings.Join(parts, "; "))
}

// Unwrap exposes the per-key errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	keys := e.keys()
	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		errs = append(errs, e.Errors[k])
	}
	return errs
}

// Failed returns the failed keys in sorted order.
func (e *BatchError) Failed() []string {
	return e.keys()
}

func (e *BatchError) keys() []string {
	keys := make([]string, 0, len(e.Errors))
	for k := range e.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// runBatch calls fn once per key with at most limit calls in flight. Every
// key runs to completion; failures are collected per key and never cancel
// siblings.
func runBatch(ctx context.Context, op string, keys []string, limit int, fn func(ctx context.Context, key string) error) error {
	if limit <= 0 {
		limit = 1
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		semaphore = make(chan struct{}, limit)
		failed    = make(map[string]error)
	)

	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := fn(ctx, key); err != nil {
				mu.Lock()
				failed[key] = err
				mu.Unlock()
			}
		}(key)
	}

	wg.Wait()

	if len(failed) == 0 {
		return nil
	}
	return &BatchError{Op: op, Total: len(keys), Errors: failed}
}
