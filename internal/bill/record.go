package bill

import (
	"context"
	"time"

	"github.com/zombor/billscan/internal/scanning"
)

// Status is the lifecycle state of an upload
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

// Record tracks one upload and, once processed, its extraction result.
//
// ID is the real-time connection that asked for the upload URL. Records
// created without a connection get a generated ID and Placeholder set; nothing
// is ever delivered to a placeholder.
type Record struct {
	ID          string    `json:"connectionId"`
	FileKey     string    `json:"fileName"`
	Status      Status    `json:"status"`
	Result      *Payload  `json:"results,omitempty"`
	Placeholder bool      `json:"placeholder,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Payload is what gets stored on a processed record, returned to the caller
// and pushed to subscribers
type Payload struct {
	FileName string           `json:"fileName"`
	Analysis *scanning.Result `json:"analysis"`
}

// processedRecord returns the first processed record, if any
func processedRecord(records []*Record) *Record {
	for _, r := range records {
		if r.Status == StatusProcessed && r.Result != nil {
			return r
		}
	}
	return nil
}

// pendingRecord returns the first pending record, if any
func pendingRecord(records []*Record) *Record {
	for _, r := range records {
		if r.Status == StatusPending {
			return r
		}
	}
	return nil
}

// keepAsPlaceholder copies a processed record under a generated ID so its
// result outlives the connection that owned it
func keepAsPlaceholder(ctx context.Context, registry Registry, idGen IDGenerator, record *Record) error {
	kept := *record
	kept.ID = idGen.Generate()
	kept.Placeholder = true
	return registry.Put(ctx, &kept)
}
