package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
)

type record struct {
	CourseID string `json:"courseId"`
	Verified bool   `json:"verified"`
}

func TestKeys(t *testing.T) {
	buyer := common.HexToAddress("0xABCDEF0000000000000000000000000000000001")
	if got := PurchaseKey(buyer, "7"); got != "purchase:0xabcdef0000000000000000000000000000000001:7" {
		t.Fatalf("purchase key = %s", got)
	}
	if got := CourseKey("7"); got != "course:7" {
		t.Fatalf("course key = %s", got)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var out record
	found, err := store.Get(ctx, "missing", &out)
	if err != nil || found {
		t.Fatalf("missing key: found=%v err=%v", found, err)
	}

	in := record{CourseID: "7", Verified: true}
	if err := store.Set(ctx, "k", in); err != nil {
		t.Fatalf("set: %v", err)
	}
	in.CourseID = "mutated"

	found, err = store.Get(ctx, "k", &out)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if out.CourseID != "7" || !out.Verified {
		t.Fatalf("unexpected value %+v", out)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestMemoryStoreRejectsEmptyKey(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Set(context.Background(), " ", 1); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

type fakeRedis struct {
	data map[string]string
	err  error
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisStorePrefixesKeys(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{data: map[string]string{}}
	store := NewRedisStore(fake, "market")

	if err := store.Set(ctx, "course:1", record{CourseID: "1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := fake.data["market:course:1"]; !ok {
		t.Fatalf("expected prefixed key, have %v", fake.data)
	}

	var out record
	found, err := store.Get(ctx, "course:1", &out)
	if err != nil || !found || out.CourseID != "1" {
		t.Fatalf("get: found=%v err=%v out=%+v", found, err, out)
	}

	if err := store.Delete(ctx, "course:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	found, err = store.Get(ctx, "course:1", &out)
	if err != nil || found {
		t.Fatalf("after delete: found=%v err=%v", found, err)
	}
}

func TestRedisStoreSurfacesErrors(t *testing.T) {
	store := NewRedisStore(&fakeRedis{data: map[string]string{}, err: errors.New("connection refused")}, "")
	var out record
	if _, err := store.Get(context.Background(), "k", &out); err == nil {
		t.Fatal("expected error")
	}
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("purchase:0xab:1").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte(`{"courseId":"1","verified":true}`)))
	mock.ExpectQuery("SELECT value FROM kv_entries").
		WithArgs("purchase:0xab:2").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	var out record
	found, err := store.Get(context.Background(), "purchase:0xab:1", &out)
	if err != nil || !found || !out.Verified {
		t.Fatalf("get: found=%v err=%v out=%+v", found, err, out)
	}
	found, err = store.Get(context.Background(), "purchase:0xab:2", &out)
	if err != nil || found {
		t.Fatalf("missing: found=%v err=%v", found, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreSetAndDelete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO kv_entries").
		WithArgs("course:1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM kv_entries").
		WithArgs("course:1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Set(context.Background(), "course:1", record{CourseID: "1"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Delete(context.Background(), "course:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, closeFn, err := Open(context.Background(), Options{Driver: "etcd"})
	if err == nil {
		t.Fatal("expected error")
	}
	if closeFn == nil {
		t.Fatal("close function must not be nil")
	}
}
