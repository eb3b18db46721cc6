package credstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"tourwatch.org/internal/auth"
	"tourwatch.org/internal/session"
)

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	creds := NewCredentials(NewMemory(), "")

	if _, err := creds.Load(ctx); !errors.Is(err, session.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}

	exp := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	g := auth.Grant{
		Token:        "access",
		RefreshToken: "refresh",
		User:         &auth.User{ID: "u1", Email: "a@tourwatch.org", Role: auth.RoleViewer, Status: auth.StatusActive},
		ExpiresAt:    exp,
	}
	if err := creds.Save(ctx, g); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := creds.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Token != "access" || got.User == nil || got.User.ID != "u1" || !got.ExpiresAt.Equal(exp) {
		t.Fatalf("unexpected grant %+v", got)
	}

	if err := creds.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := creds.Load(ctx); !errors.Is(err, session.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials after clear, got %v", err)
	}
}

func TestCredentialsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	_ = kv.Put(ctx, DefaultKey, []byte("{not json"))
	_, err := NewCredentials(kv, "").Load(ctx)
	if err == nil || errors.Is(err, session.ErrNoCredentials) {
		t.Fatalf("corrupt record must surface as a decode error, got %v", err)
	}
}

func TestMemoryCopiesValues(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	v := []byte("abc")
	_ = m.Put(ctx, "k", v)
	v[0] = 'x'
	got, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("Put must copy, got %q", got)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGetPutDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	store := NewPostgres(db)
	ctx := context.Background()

	mock.ExpectExec("insert into dashboard_credentials").
		WithArgs("k", []byte("v")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := store.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mock.ExpectQuery("select value from dashboard_credentials").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow([]byte("v")))
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get: %q %v", got, err)
	}

	mock.ExpectQuery("select value from dashboard_credentials").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectExec("delete from dashboard_credentials").
		WithArgs("k").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresPropagatesErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	boom := errors.New("connection reset")
	mock.ExpectQuery("select value from dashboard_credentials").WillReturnError(boom)

	_, err = NewCredentials(NewPostgres(db), "").Load(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

// Runs only against a live server, e.g. TOURWATCH_TEST_REDIS_ADDR=localhost:6379.
func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("TOURWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TOURWATCH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedis(ctx, RedisOptions{Addr: addr, Prefix: "tourwatch-test:", TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	if err := r.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := r.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get: %q %v", got, err)
	}
	if err := r.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
