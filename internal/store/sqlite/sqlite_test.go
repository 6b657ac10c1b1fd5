package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/fleetcore/internal/store"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	etag, err := s.Put(ctx, "servers", "cn-1", []byte(`{"hostname":"cn-1"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get(ctx, "servers", "cn-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ETag != etag {
		t.Errorf("etag mismatch: %s != %s", rec.ETag, etag)
	}
}

func TestPutConflict(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	if _, err := s.Put(ctx, "servers", "cn-1", []byte(`{}`), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, "servers", "cn-1", []byte(`{}`), "stale-etag"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.Get(context.Background(), "servers", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindObjectsFilter(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	_, _ = s.Put(ctx, "servers", "a", []byte(`{"setup":true,"headnode":false}`), "")
	_, _ = s.Put(ctx, "servers", "b", []byte(`{"setup":false,"headnode":false}`), "")

	recs, err := s.FindObjects(ctx, "servers", store.Eq{Field: "setup", Value: true}, store.FindOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Key != "a" {
		t.Fatalf("unexpected results: %+v", recs)
	}
}
