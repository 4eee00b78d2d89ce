// Package outputstore persists rendered output bytes: given (jobId, kind,
// bytes) it writes under a known root and returns a URL of the form
// {publicBaseUrl}/files/{kind}/{jobId}/{kind}.png. That URL shape is a
// published contract and must not change.
//
// The local filesystem write is always performed, since it backs the
// GET /files/ static endpoint the URLs point at. An optional
// S3-compatible mirror uploads the same bytes via a SigV4-signed PUT.
package outputstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"templatepipe/internal/pipelineerrors"
)

type Kind string

const (
	KindPreview Kind = "preview"
	KindFinal   Kind = "final"
)

// Config configures a Store.
type Config struct {
	OutputRoot    string
	PublicBaseURL string
	S3            S3Config
}

// S3Config configures the optional S3-compatible mirror. Leaving Bucket
// or Endpoint empty disables it entirely (noop client).
type S3Config struct {
	Bucket         string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	PublicEndpoint string
	Prefix         string
	UseSSL         bool
	RequestTimeout time.Duration
}

// Store writes output bytes to the local filesystem and optionally mirrors
// them to an S3-compatible bucket.
type Store struct {
	outputRoot    string
	publicBaseURL string
	client        objectStorageClient
}

func New(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.OutputRoot)
	if root == "" {
		return nil, fmt.Errorf("outputstore: output root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("outputstore: create output root: %w", err)
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if base == "" {
		base = "http://localhost:9002"
	}
	return &Store{
		outputRoot:    root,
		publicBaseURL: base,
		client:        newObjectStorageClient(cfg.S3),
	}, nil
}

// OutputRoot returns the directory outputs are written under, primarily
// for health checks and the static GET /files/ file server.
func (s *Store) OutputRoot() string {
	return s.outputRoot
}

// Put persists bytes for (jobId, kind) and returns the public URL clients
// use to fetch it.
func (s *Store) Put(ctx context.Context, jobID string, kind Kind, body []byte, contentType string) (string, *pipelineerrors.Error) {
	relPath := filepath.Join("files", string(kind), jobID, string(kind)+".png")
	localPath := filepath.Join(s.outputRoot, relPath)

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.StoreFailed, err, nil)
	}
	if err := os.WriteFile(localPath, body, 0o644); err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.StoreFailed, err, nil)
	}

	if s.client.Enabled() {
		objectKey := fmt.Sprintf("%s/%s/%s-%s.png", kind, jobID, kind, uuid.NewString())
		if _, err := s.client.Upload(ctx, objectKey, contentType, body); err != nil {
			return "", pipelineerrors.Wrap(pipelineerrors.StoreFailed, err, map[string]string{"objectKey": objectKey})
		}
	}

	url := s.publicBaseURL + "/" + filepath.ToSlash(relPath)
	return url, nil
}
