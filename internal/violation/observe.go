package violation

import (
	"context"
	"time"
)

// ObserveFunc receives the duration and outcome ("success" or "error") of
// one store operation.
type ObserveFunc func(op, outcome string, dur time.Duration)

// Observed wraps s so every operation is reported to fn. A nil fn returns s
// unchanged.
func Observed(s Store, fn ObserveFunc) Store {
	if fn == nil {
		return s
	}
	return &observedStore{Store: s, fn: fn}
}

type observedStore struct {
	Store
	fn ObserveFunc
}

func (o *observedStore) observe(op string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.fn(op, outcome, time.Since(start))
}

func (o *observedStore) Has(ctx context.Context, hash string) (bool, error) {
	start := time.Now()
	ok, err := o.Store.Has(ctx, hash)
	o.observe("has", start, err)
	return ok, err
}

func (o *observedStore) Record(ctx context.Context, hash string) error {
	start := time.Now()
	err := o.Store.Record(ctx, hash)
	o.observe("record", start, err)
	return err
}

func (o *observedStore) Insert(ctx context.Context, r *Record) (int64, error) {
	start := time.Now()
	id, err := o.Store.Insert(ctx, r)
	o.observe("insert", start, err)
	return id, err
}

func (o *observedStore) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	start := time.Now()
	recs, err := o.Store.ListRecent(ctx, limit)
	o.observe("list_recent", start, err)
	return recs, err
}
