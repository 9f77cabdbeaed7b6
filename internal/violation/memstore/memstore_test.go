package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

func testRecord(kind string) *violation.Record {
	return &violation.Record{
		Timestamp:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		ImagePath:  "violations/20240101_120000.jpg",
		ImageHash:  "h",
		Type:       kind,
		Confidence: 0.9,
		BBox:       violation.BBox{100, 200, 300, 400},
	}
}

func TestStore_LedgerRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	ok, err := s.Has(ctx, "abc")
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatal("expected unseen hash")
	}
	if err := s.Record(ctx, "abc"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(ctx, "abc"); err != nil {
		t.Fatalf("Record (again): %v", err)
	}
	ok, _ = s.Has(ctx, "abc")
	if !ok {
		t.Fatal("expected hash to be recorded")
	}
}

func TestStore_InsertAssignsIDs(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r1 := testRecord("red_light")
	r2 := testRecord("speeding")

	id1, err := s.Insert(ctx, r1)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	id2, _ := s.Insert(ctx, r2)
	if id1 != 1 || id2 != 2 {
		t.Errorf("ids = %d,%d, want 1,2", id1, id2)
	}
	if r1.ID != id1 {
		t.Errorf("r1.ID = %d, want %d", r1.ID, id1)
	}
}

func TestStore_InsertRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := New()
	r := testRecord("red_light")
	r.BBox = violation.BBox{5, 5, 1, 1}

	_, err := s.Insert(context.Background(), r)
	var pe *violation.PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if !errors.Is(err, violation.ErrInvalidBBox) {
		t.Errorf("expected ErrInvalidBBox, got %v", err)
	}
	recs, _ := s.ListRecent(context.Background(), 10)
	if len(recs) != 0 {
		t.Errorf("invalid record was stored")
	}
}

func TestStore_ListRecentNewestFirst(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_, _ = s.Insert(ctx, testRecord(k))
	}

	got, err := s.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 || got[0].Type != "c" || got[1].Type != "b" {
		t.Errorf("ListRecent = %+v", got)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	lat := 1.5
	r := testRecord("clearway")
	r.Latitude = &lat
	_, _ = s.Insert(ctx, r)

	r.Type = "mutated"
	lat = 9

	got, _ := s.ListRecent(ctx, 1)
	if got[0].Type != "clearway" || *got[0].Latitude != 1.5 {
		t.Errorf("store aliased caller memory: %+v", got[0])
	}
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.Close()
	if _, err := s.Has(context.Background(), "x"); err == nil {
		t.Fatal("expected error after Close")
	}
	if err := s.Record(context.Background(), "x"); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)
	for i := range n {
		h := fmt.Sprintf("h-%d", i)
		go func() {
			defer wg.Done()
			_ = s.Record(ctx, h)
			_, _ = s.Insert(ctx, testRecord("speeding"))
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Has(ctx, h)
			_, _ = s.ListRecent(ctx, 5)
		}()
	}
	wg.Wait()

	recs, _ := s.ListRecent(ctx, 500)
	if len(recs) != n {
		t.Errorf("len = %d, want %d", len(recs), n)
	}
}
