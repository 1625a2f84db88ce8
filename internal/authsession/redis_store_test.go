package authsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "hash-1", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	user, err := store.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != "usr_1" {
		t.Errorf("expected usr_1, got %s", user.ID)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "short", "usr_2", time.Now().Add(time.Second)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	s.FastForward(2 * time.Second)

	if _, err := store.LookupRefreshSession(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired token, got %v", err)
	}
}

func TestPastExpiryFallsBackToDefaultTTL(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "old", "usr_3", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if ttl := s.TTL("refresh:old"); ttl != defaultTTL {
		t.Fatalf("expected default ttl, got %s", ttl)
	}
}

func TestRotateRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	expiresAt := time.Now().Add(time.Hour)

	if err := store.SaveRefreshSession(ctx, "first", "usr_4", expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	user, err := store.RotateRefreshSession(ctx, "first", "second", expiresAt)
	if err != nil {
		t.Fatalf("RotateRefreshSession failed: %v", err)
	}
	if user.ID != "usr_4" {
		t.Fatalf("expected usr_4, got %s", user.ID)
	}
	if _, err := store.LookupRefreshSession(ctx, "first"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rotated token must be gone, got %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "second"); err != nil {
		t.Fatalf("new token lookup failed: %v", err)
	}
	if _, err := store.RotateRefreshSession(ctx, "first", "third", expiresAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("replaying a rotated token must fail, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := store.SaveRefreshSession(ctx, "token-1", "usr_1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession 1 failed: %v", err)
	}
	if err := store.SaveRefreshSession(ctx, "token-2", "usr_2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession 2 failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "token-1"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "never-issued"); err != nil {
		t.Errorf("revoking an unknown token should not error: %v", err)
	}

	if _, err := store.LookupRefreshSession(ctx, "token-1"); err == nil {
		t.Error("expected error for revoked token-1, got nil")
	}
	user, err := store.LookupRefreshSession(ctx, "token-2")
	if err != nil {
		t.Fatalf("token-2 should survive: %v", err)
	}
	if user.ID != "usr_2" {
		t.Errorf("expected usr_2, got %s", user.ID)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}
