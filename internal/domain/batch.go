package domain

import (
	"errors"
	"strings"
	"time"
)

// Batch is a logical unit of new sales data, created by the ingestion
// collaborator and handed to the core. The core never invents batches.
type Batch struct {
	ID          string
	WindowStart time.Time
	WindowEnd   time.Time
}

func (b Batch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	if b.WindowStart.IsZero() {
		return errors.New("window start is required")
	}
	if b.WindowEnd.IsZero() {
		return errors.New("window end is required")
	}
	if !b.WindowEnd.After(b.WindowStart) {
		return errors.New("window end must be after window start")
	}
	return nil
}
