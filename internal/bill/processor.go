package bill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/billscan/internal/scanning"
)

// Outcome is the result of processing an upload
type Outcome struct {
	Payload *Payload

	// Replayed is set when the file had already been processed and the stored
	// result was returned without extracting again
	Replayed bool
}

// Processor drives an upload from pending to processed
type Processor struct {
	registry    Registry
	store       ObjectStore
	extractor   scanning.Extractor
	notifier    *Notifier
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewProcessor creates a new Processor with default ID generator and time source
func NewProcessor(registry Registry, store ObjectStore, extractor scanning.Extractor, notifier *Notifier) *Processor {
	return NewProcessorWithDeps(registry, store, extractor, notifier, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewProcessorWithDeps creates a new Processor with custom dependencies for testing
func NewProcessorWithDeps(registry Registry, store ObjectStore, extractor scanning.Extractor, notifier *Notifier, idGen IDGenerator, timeSrc TimeSource) *Processor {
	return &Processor{
		registry:    registry,
		store:       store,
		extractor:   extractor,
		notifier:    notifier,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Process extracts the bill stored under fileKey, records the result and
// notifies subscribers. A file that was already processed is not extracted
// again; its stored result is returned instead.
//
// Two concurrent calls for the same file may both extract. When a pending
// record exists only one of them records the result and notifies.
func (p *Processor) Process(ctx context.Context, fileKey string) (*Outcome, error) {
	if fileKey == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}

	records, err := p.registry.FindByFileKey(ctx, fileKey)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up %s: %w", ErrUpstreamUnavailable, fileKey, err)
	}
	if done := processedRecord(records); done != nil {
		slog.Info("File already processed", "file_key", fileKey, "connection_id", done.ID)
		return &Outcome{Payload: done.Result, Replayed: true}, nil
	}

	data, err := p.store.Get(ctx, fileKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("fetching %s: %w", fileKey, err)
		}
		return nil, fmt.Errorf("%w: fetching %s: %w", ErrUpstreamUnavailable, fileKey, err)
	}

	result, err := p.extractor.Extract(ctx, data, contentTypeForKey(fileKey))
	if err != nil {
		slog.Error("Failed to extract bill",
			"file_key", fileKey,
			"file_size", len(data),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	if result.Failed() {
		slog.Warn("Model response could not be parsed", "file_key", fileKey)
	}

	payload := &Payload{FileName: fileKey, Analysis: result}
	now := p.timeSource.Now()
	record := &Record{
		FileKey:   fileKey,
		Status:    StatusProcessed,
		Result:    payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if pending := pendingRecord(records); pending != nil {
		record.ID = pending.ID
		record.Placeholder = pending.Placeholder
		record.CreatedAt = pending.CreatedAt
		err = p.registry.PutIf(ctx, record, Precondition{Status: StatusPending, FileKey: fileKey})
		if errors.Is(err, ErrConditionFailed) {
			return p.afterLostRace(ctx, record)
		}
	} else {
		record.ID = p.idGenerator.Generate()
		record.Placeholder = true
		err = p.registry.Put(ctx, record)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: saving result for %s: %w", ErrUpstreamUnavailable, fileKey, err)
	}

	// Notify only once the processed record is durable
	report := p.notifier.Notify(ctx, fileKey, payload)
	slog.Info("Processed bill",
		"file_key", fileKey,
		"line_items", len(result.LineItems),
		"delivered", report.Delivered,
		"removed", report.Removed,
		"failed", report.Failed,
	)

	return &Outcome{Payload: payload}, nil
}

// afterLostRace handles a failed conditional write: either a concurrent call
// already recorded a result, which is returned as a replay, or the pending
// record disappeared or moved on to another file and the result is kept
// under a placeholder.
func (p *Processor) afterLostRace(ctx context.Context, record *Record) (*Outcome, error) {
	records, err := p.registry.FindByFileKey(ctx, record.FileKey)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up %s: %w", ErrUpstreamUnavailable, record.FileKey, err)
	}
	if done := processedRecord(records); done != nil {
		slog.Info("File processed concurrently", "file_key", record.FileKey, "connection_id", done.ID)
		return &Outcome{Payload: done.Result, Replayed: true}, nil
	}

	record.ID = p.idGenerator.Generate()
	record.Placeholder = true
	if err := p.registry.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("%w: saving result for %s: %w", ErrUpstreamUnavailable, record.FileKey, err)
	}
	p.notifier.Notify(ctx, record.FileKey, record.Result)
	return &Outcome{Payload: record.Result}, nil
}
