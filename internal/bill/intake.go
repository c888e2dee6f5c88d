package bill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultUploadURLTTL is how long an upload URL stays valid
const DefaultUploadURLTTL = time.Hour

// maxClaimAttempts bounds retries when a connection's record changes
// between reading and writing it
const maxClaimAttempts = 3

// allowedExtensions are the image formats a bill may be uploaded as
var allowedExtensions = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"heic": true,
	"tiff": true,
}

// IDGenerator generates unique IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// UploadTarget is returned to a client that wants to upload a bill
type UploadTarget struct {
	UploadURL string `json:"uploadUrl"`
	FileName  string `json:"fileName"`
}

// Intake issues upload URLs and records pending uploads
type Intake struct {
	registry    Registry
	store       ObjectStore
	urlTTL      time.Duration
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewIntake creates a new Intake with default ID generator and time source
func NewIntake(registry Registry, store ObjectStore, urlTTL time.Duration) *Intake {
	return NewIntakeWithDeps(registry, store, urlTTL, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewIntakeWithDeps creates a new Intake with custom dependencies for testing
func NewIntakeWithDeps(registry Registry, store ObjectStore, urlTTL time.Duration, idGen IDGenerator, timeSrc TimeSource) *Intake {
	if urlTTL <= 0 {
		urlTTL = DefaultUploadURLTTL
	}
	return &Intake{
		registry:    registry,
		store:       store,
		urlTTL:      urlTTL,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// contentTypeForKey returns the content type an upload URL is signed for
func contentTypeForKey(fileKey string) string {
	return "image/" + strings.TrimPrefix(strings.ToLower(path.Ext(fileKey)), ".")
}

// CreateUploadTarget issues an upload URL for a new bill and records it as
// pending under the requesting connection
func (i *Intake) CreateUploadTarget(ctx context.Context, connectionID, extension string) (*UploadTarget, error) {
	if connectionID == "" {
		return nil, fmt.Errorf("%w: connection ID is required", ErrInvalidInput)
	}

	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(extension), "."))
	if !allowedExtensions[ext] {
		return nil, fmt.Errorf("%w: invalid or missing file extension %q", ErrInvalidInput, extension)
	}

	fileKey := fmt.Sprintf("upload_%s.%s", i.idGenerator.Generate(), ext)

	uploadURL, err := i.store.PresignPut(ctx, fileKey, contentTypeForKey(fileKey), i.urlTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: presigning upload for %s: %w", ErrUpstreamUnavailable, fileKey, err)
	}

	now := i.timeSource.Now()
	record := &Record{
		ID:        connectionID,
		FileKey:   fileKey,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := i.claimConnection(ctx, record); err != nil {
		slog.Error("Failed to store upload record", "connection_id", connectionID, "file_key", fileKey, "error", err)
		return nil, fmt.Errorf("%w: storing upload record: %w", ErrUpstreamUnavailable, err)
	}

	slog.Info("Issued upload URL", "connection_id", connectionID, "file_key", fileKey)
	return &UploadTarget{
		UploadURL: uploadURL,
		FileName:  fileKey,
	}, nil
}

// claimConnection points the connection's record at a new pending upload.
// A processed result the connection still holds is first kept under a
// placeholder so replays of that file keep finding it.
func (i *Intake) claimConnection(ctx context.Context, record *Record) error {
	for range maxClaimAttempts {
		current, err := i.registry.Get(ctx, record.ID)
		if err != nil {
			return err
		}

		var want Precondition
		if current != nil {
			want = Precondition{Status: current.Status, FileKey: current.FileKey}
			if current.Status == StatusProcessed {
				if err := keepAsPlaceholder(ctx, i.registry, i.idGenerator, current); err != nil {
					return fmt.Errorf("keeping result of %s: %w", current.FileKey, err)
				}
				slog.Info("Kept processed result of reused connection", "connection_id", record.ID, "file_key", current.FileKey)
			}
		}

		err = i.registry.PutIf(ctx, record, want)
		if !errors.Is(err, ErrConditionFailed) {
			return err
		}
		slog.Debug("Connection record changed, retrying", "connection_id", record.ID)
	}
	return fmt.Errorf("%w: connection %s kept changing", ErrConditionFailed, record.ID)
}
