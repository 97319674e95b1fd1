package authclient

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/zalando/go-keyring"
)

func exerciseStore(t *testing.T, store CredentialStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Get(ctx, KeyAccessToken); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected not found on empty store, got %v", err)
	}

	if err := store.Set(ctx, KeyAccessToken, "access-1"); err != nil {
		t.Fatalf("set access: %v", err)
	}
	if err := store.Set(ctx, KeyRefreshToken, "refresh-1"); err != nil {
		t.Fatalf("set refresh: %v", err)
	}
	if err := store.Set(ctx, KeyRefreshToken, "refresh-2"); err != nil {
		t.Fatalf("overwrite refresh: %v", err)
	}

	if v, err := store.Get(ctx, KeyAccessToken); err != nil || v != "access-1" {
		t.Fatalf("get access: %q, %v", v, err)
	}
	if v, err := store.Get(ctx, KeyRefreshToken); err != nil || v != "refresh-2" {
		t.Fatalf("get refresh: %q, %v", v, err)
	}

	if err := store.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("delete missing key must not fail: %v", err)
	}
	if _, err := store.Get(ctx, KeyAccessToken); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if v, _ := store.Get(ctx, KeyRefreshToken); v != "refresh-2" {
		t.Fatalf("delete removed the wrong key, refresh=%q", v)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "credentials.json")
	exerciseStore(t, NewFileStore(path))

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat credential file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != defaultFilePerm {
		t.Fatalf("expected %o permissions, got %o", defaultFilePerm, perm)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	ctx := context.Background()

	if err := NewFileStore(path).Set(ctx, KeyRefreshToken, "persisted"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := NewFileStore(path).Get(ctx, KeyRefreshToken)
	if err != nil || v != "persisted" {
		t.Fatalf("reopened store: %q, %v", v, err)
	}
}

func TestFileStoreReplacesFileOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	store := NewFileStore(path)
	ctx := context.Background()

	if err := store.Set(ctx, KeyRefreshToken, "refresh-0"); err != nil {
		t.Fatalf("set: %v", err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if err := store.Set(ctx, KeyRefreshToken, "refresh-1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if os.SameFile(before, after) {
		t.Fatal("expected the credential file to be replaced, not rewritten in place")
	}
	if perm := after.Mode().Perm(); perm != defaultFilePerm {
		t.Fatalf("expected %o permissions, got %o", defaultFilePerm, perm)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "credentials.json" {
		t.Fatalf("temp files left behind: %v", entries)
	}
	if v, err := store.Get(ctx, KeyRefreshToken); err != nil || v != "refresh-1" {
		t.Fatalf("get: %q %v", v, err)
	}
}

func TestFileStoreRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	if err := os.WriteFile(path, []byte(`{"values":{"refresh_token":"r"}}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err := NewFileStore(path).Get(context.Background(), KeyRefreshToken)
	if err == nil || errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("expected a permission error, got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, "test")
	defer store.Close()

	exerciseStore(t, store)

	if got := mr.HGet("test:credentials", KeyRefreshToken); got != "refresh-2" {
		t.Fatalf("expected hash field in redis, got %q", got)
	}
}

func TestRedisStoreSharedAcrossClients(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	a := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	b := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	defer a.Close()
	defer b.Close()

	if err := a.Set(ctx, KeyAccessToken, "shared"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, err := b.Get(ctx, KeyAccessToken); err != nil || v != "shared" {
		t.Fatalf("second client: %q, %v", v, err)
	}
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	exerciseStore(t, NewKeyringStore("herita-test"))
}
