package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DefaultMaxAttempts is the bounded ETag-conflict retry count spec.md
// §4.D calls out for upsertFromSysinfo and friends.
const DefaultMaxAttempts = 10

// UpdateWithRetry reads the current value at bucket/key (if any),
// applies mutate, and writes the result back with optimistic
// concurrency, retrying on ErrConflict up to maxAttempts times. mutate
// receives nil and exists=false when the key is absent.
func UpdateWithRetry[T any](ctx context.Context, st Store, bucket, key string, maxAttempts int, mutate func(current *T, exists bool) (*T, error)) (*T, string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var current *T
		var etag string
		exists := true
		rec, err := st.Get(ctx, bucket, key)
		switch {
		case errors.Is(err, ErrNotFound):
			exists = false
		case err != nil:
			return nil, "", fmt.Errorf("read %s/%s: %w", bucket, key, err)
		default:
			etag = rec.ETag
			var v T
			if err := json.Unmarshal(rec.Value, &v); err != nil {
				return nil, "", fmt.Errorf("decode %s/%s: %w", bucket, key, err)
			}
			current = &v
		}

		next, err := mutate(current, exists)
		if err != nil {
			return nil, "", err
		}
		body, err := json.Marshal(next)
		if err != nil {
			return nil, "", fmt.Errorf("encode %s/%s: %w", bucket, key, err)
		}
		newETag, err := st.Put(ctx, bucket, key, body, etag)
		if err == nil {
			return next, newETag, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, "", fmt.Errorf("write %s/%s: %w", bucket, key, err)
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("%s/%s: exceeded %d attempts: %w", bucket, key, maxAttempts, lastErr)
}

// GetDecode reads bucket/key and decodes it into T, returning ErrNotFound
// unwrapped so callers can errors.Is(err, store.ErrNotFound).
func GetDecode[T any](ctx context.Context, st Store, bucket, key string) (*T, string, error) {
	rec, err := st.Get(ctx, bucket, key)
	if err != nil {
		return nil, "", err
	}
	var v T
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, "", fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return &v, rec.ETag, nil
}
