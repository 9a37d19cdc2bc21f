package action

import (
	"context"
	"fmt"

	"github.com/salespipe-labs/salespipe-go/internal/domain"
)

// Extract copies the weekly raw drop into the curated bucket untouched, so
// downstream steps read from a single bucket and the original upload stays
// immutable.
type Extract struct {
	Store   ObjectStore
	Buckets Buckets
}

func (a *Extract) Execute(ctx context.Context, in domain.ActionInput) (domain.OutputRef, error) {
	rawKey := RawKey(in.Batch.ID)
	rc, err := a.Store.Get(ctx, a.Buckets.Raw, rawKey)
	if err != nil {
		return domain.OutputRef{}, fmt.Errorf("raw drop for batch %s: %w", in.Batch.ID, err)
	}
	defer rc.Close()

	table, err := ReadTable(rc)
	if err != nil {
		return domain.OutputRef{}, fmt.Errorf("parse raw drop %s: %w", rawKey, err)
	}

	payload, err := table.Encode()
	if err != nil {
		return domain.OutputRef{}, err
	}

	outKey := StepKey(in.Batch.ID, "extract.csv")
	if err := a.Store.Put(ctx, a.Buckets.Curated, outKey, payload, "text/csv"); err != nil {
		return domain.OutputRef{}, err
	}

	return domain.OutputRef{
		ObjectKey: outKey,
		Stats:     table.Stats(colFranchise, colYear),
	}, nil
}
