package storage

import (
	"context"
	"fmt"
	"time"
)

// NewCustomHealthCheckFunc returns a go-sundheit health check function that
// round-trips a canary row through the L3 store: write then delete an
// OAuthState entry. A short expiry means a failed delete is still cleaned
// up promptly by garbage collection.
func NewCustomHealthCheckFunc(s Storage, now func() time.Time) func(context.Context) (details interface{}, err error) {
	return func(ctx context.Context) (details interface{}, err error) {
		key := "healthcheck:" + NewID()
		st := OAuthState{
			Key:       key,
			Blob:      []byte("healthcheck"),
			ExpiresAt: now().Add(time.Minute),
		}

		if err := s.PutOAuthState(ctx, st); err != nil {
			return nil, fmt.Errorf("put oauth state: %v", err)
		}

		if err := s.DeleteOAuthState(ctx, key); err != nil {
			return nil, fmt.Errorf("delete oauth state: %v", err)
		}

		return nil, nil
	}
}
