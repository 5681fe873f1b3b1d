// Package blob stores opaque media payloads by key.
package blob

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when a key holds no blob.
var ErrNotFound = errors.New("blob: not found")

// ErrInvalidKey rejects keys that could escape the store's namespace.
var ErrInvalidKey = errors.New("blob: invalid key")

// Store persists blobs.
type Store interface {
	Put(ctx context.Context, key, contentType string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// checkKey accepts slash separated segments of letters, digits, '-', '_' and '.'.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidKey
		}
		for _, r := range seg {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			default:
				return ErrInvalidKey
			}
		}
	}
	return nil
}
