package bill

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ObjectStore defines the interface for the object storage holding uploaded images
type ObjectStore interface {
	// PresignPut returns a URL that allows a single PUT of key with the given
	// content type until ttl elapses
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)

	// Get retrieves an object. Returns ErrNotFound if it does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
}

// UploadReceiver accepts uploads made against URLs issued by PresignPut.
// Only stores that serve their own upload URLs implement it.
type UploadReceiver interface {
	Receive(ctx context.Context, key string, query url.Values, contentType string, data []byte) error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// LocalStorage implements ObjectStore on the local filesystem. Upload URLs
// point back at this server's /uploads/ route and are signed with HMAC.
type LocalStorage struct {
	basePath string
	baseURL  string
	secret   []byte
	now      func() time.Time
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath, baseURL string, secret []byte) (*LocalStorage, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("local storage requires a signing secret")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		secret:   secret,
		now:      time.Now,
	}, nil
}

// PresignPut issues a signed upload URL served by the /uploads/ route
func (l *LocalStorage) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: invalid object key %q", ErrInvalidInput, key)
	}

	expires := strconv.FormatInt(l.now().Add(ttl).Unix(), 10)
	query := url.Values{}
	query.Set("contentType", contentType)
	query.Set("expires", expires)
	query.Set("signature", l.sign(key, contentType, expires))

	return fmt.Sprintf("%s/uploads/%s?%s", l.baseURL, url.PathEscape(key), query.Encode()), nil
}

// Receive verifies an upload URL and stores the uploaded bytes
func (l *LocalStorage) Receive(ctx context.Context, key string, query url.Values, contentType string, data []byte) error {
	if !validKey.MatchString(key) {
		return fmt.Errorf("%w: invalid object key %q", ErrInvalidInput, key)
	}

	expires := query.Get("expires")
	expiresAt, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || l.now().Unix() > expiresAt {
		return ErrBadSignature
	}

	signed := query.Get("contentType")
	if signed != contentType {
		return fmt.Errorf("%w: content type %q does not match %q", ErrBadSignature, contentType, signed)
	}

	expected := l.sign(key, signed, expires)
	if !hmac.Equal([]byte(expected), []byte(query.Get("signature"))) {
		return ErrBadSignature
	}

	return l.Save(key, data)
}

// Save writes a file to local storage
func (l *LocalStorage) Save(key string, data []byte) error {
	if err := os.WriteFile(filepath.Join(l.basePath, key), data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if !validKey.MatchString(key) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	data, err := os.ReadFile(filepath.Join(l.basePath, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

func (l *LocalStorage) sign(key, contentType, expires string) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(key + "\n" + contentType + "\n" + expires))
	return hex.EncodeToString(mac.Sum(nil))
}
