package action

import (
	"context"
	"io"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

// ObjectStore is the slice of object storage the actions need. Satisfied by
// objectstore.Store; tests use an in-memory fake.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key string, payload []byte, contentType string) error
}

// Buckets names where raw inputs land and curated outputs go.
type Buckets struct {
	Raw     string
	Curated string
}

// Step names resolvable from pipeline specs.
const (
	NameExtract   = "sales.extract"
	NameClean     = "sales.clean"
	NameAggregate = "sales.aggregate"
)

// Catalog returns the built-in actions keyed by spec name.
func Catalog(store ObjectStore, buckets Buckets) map[string]domain.Action {
	return map[string]domain.Action{
		NameExtract:   &Extract{Store: store, Buckets: buckets},
		NameClean:     &Clean{Store: store, Buckets: buckets},
		NameAggregate: &Aggregate{Store: store, Buckets: buckets},
	}
}

// RawKey is where the weekly drop for a batch is expected in the raw bucket.
func RawKey(batchID string) string {
	return "weekly/" + batchID + ".csv"
}

// StepKey is where a step writes its curated output for a batch.
func StepKey(batchID, name string) string {
	return batchID + "/" + name
}
