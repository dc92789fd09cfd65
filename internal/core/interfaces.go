// Package core defines the shared interfaces and types used across the sniper.
package core

import (
	"context"
	"time"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// ICache is a namespaced TTL key-value store with JSON values.
// Implementations must degrade to no-ops when the backend is unavailable:
// Get reports a miss, Set/Delete/Exists report false, ClearPattern reports 0.
type ICache interface {
	Start(ctx context.Context) bool
	Get(ctx context.Context, key string, dest interface{}) bool
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration, cacheType string) bool
	Delete(ctx context.Context, key string) bool
	Exists(ctx context.Context, key string) bool
	ClearPattern(ctx context.Context, pattern string) int
	Stats(ctx context.Context) map[string]interface{}
	Close() error
}

// IEncryptor handles symmetric encryption of stored third-party credentials.
type IEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}
