// Package trigger forwards object-created events to the processing endpoint.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// Forwarder posts uploaded object keys to /api/process_image
type Forwarder struct {
	endpoint string
	token    string
	client   *http.Client
}

// ProcessEndpoint returns the processing URL for a server base URL. A bare
// host such as an ALB DNS name is treated as plain HTTP.
func ProcessEndpoint(base string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base + "/api/process_image"
}

// NewForwarder creates a new Forwarder
func NewForwarder(baseURL, token string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Forwarder{
		endpoint: ProcessEndpoint(baseURL),
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// HandleS3Event forwards every object in the event. Each object is
// attempted; the returned error joins the failures so the invocation is
// retried, which the processing endpoint tolerates.
func (f *Forwarder) HandleS3Event(ctx context.Context, event events.S3Event) error {
	var errs []error
	for _, record := range event.Records {
		key, err := objectKey(record.S3.Object)
		if err != nil {
			slog.Error("Skipping undecodable object key", "key", record.S3.Object.Key, "error", err)
			errs = append(errs, err)
			continue
		}

		if err := f.Forward(ctx, key); err != nil {
			slog.Error("Error calling API", "bucket", record.S3.Bucket.Name, "key", key, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward asks the server to process one object
func (f *Forwarder) Forward(ctx context.Context, key string) error {
	body, err := json.Marshal(map[string]string{"fileName": key})
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", key, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("processing %s returned status %d: %s", key, resp.StatusCode, string(respBody))
	}

	slog.Info("Forwarded upload", "key", key, "response", string(respBody))
	return nil
}

// objectKey returns the decoded key of an S3 object. Event keys are
// form-encoded, so a space arrives as '+'.
func objectKey(obj events.S3Object) (string, error) {
	if obj.URLDecodedKey != "" {
		return obj.URLDecodedKey, nil
	}
	return url.QueryUnescape(obj.Key)
}
