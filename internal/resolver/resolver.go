// Package resolver implements the template acquisition cache: a
// content-addressed, concurrency-safe store of extracted template
// directories keyed by (templateCode, versionSemver, checksumSha256).
//
// Entries are downloaded once, integrity-verified, extracted to a staging
// directory, and published with an atomic rename. Per-key coordination
// uses golang.org/x/sync/singleflight so concurrent callers for the same
// key share a single download.
package resolver

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"templatepipe/internal/observability/metrics"
	"templatepipe/internal/pipelineerrors"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultReadTimeout    = 30 * time.Second
	manifestFileName      = "manifest.json"
)

// Config configures a Resolver.
type Config struct {
	CacheRoot      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Metrics        *metrics.Recorder

	// DistLock, when non-nil, is consulted before the in-process
	// single-flight call so multiple processes sharing CacheRoot do not
	// race the same download. Absence is always safe: the in-process
	// fast-path/double-check still enforces correctness for a single
	// process.
	DistLock DistLock
}

// Resolver acquires and caches extracted template directories.
type Resolver struct {
	cacheRoot   string
	client      *http.Client
	readTimeout time.Duration
	group       singleflight.Group
	metrics     *metrics.Recorder
	distLock    DistLock
}

// New constructs a Resolver rooted at cfg.CacheRoot.
func New(cfg Config) (*Resolver, error) {
	root := strings.TrimSpace(cfg.CacheRoot)
	if root == "" {
		return nil, fmt.Errorf("resolver: cache root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("resolver: create cache root: %w", err)
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Default()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	return &Resolver{
		cacheRoot:   root,
		client:      &http.Client{Timeout: connectTimeout + readTimeout, Transport: transport},
		readTimeout: readTimeout,
		metrics:     rec,
		distLock:    cfg.DistLock,
	}, nil
}

// CacheRoot returns the directory the resolver caches extracted templates
// under, primarily for health checks.
func (r *Resolver) CacheRoot() string {
	return r.cacheRoot
}

// SweepStale removes cached template directories whose manifest.json has
// not been read (via Stat, which downloadAndExtract and the fast-path
// check both perform) more recently than maxAge. It walks two levels
// below cacheRoot (templateCode/versionSemver) and removes the checksum
// directory underneath, so a cache that never gets evicted on its own
// does not grow without bound on long-lived hosts.
func (r *Resolver) SweepStale(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("resolver: sweep max age must be positive")
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	codeEntries, err := os.ReadDir(r.cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("resolver: read cache root: %w", err)
	}

	for _, codeEntry := range codeEntries {
		if !codeEntry.IsDir() {
			continue
		}
		codeDir := filepath.Join(r.cacheRoot, codeEntry.Name())
		versionEntries, err := os.ReadDir(codeDir)
		if err != nil {
			continue
		}
		for _, versionEntry := range versionEntries {
			if !versionEntry.IsDir() {
				continue
			}
			versionDir := filepath.Join(codeDir, versionEntry.Name())
			checksumEntries, err := os.ReadDir(versionDir)
			if err != nil {
				continue
			}
			for _, checksumEntry := range checksumEntries {
				if !checksumEntry.IsDir() || strings.HasSuffix(checksumEntry.Name(), ".tmp") {
					continue
				}
				checksumDir := filepath.Join(versionDir, checksumEntry.Name())
				info, err := os.Stat(filepath.Join(checksumDir, manifestFileName))
				if err != nil {
					continue
				}
				if info.ModTime().After(cutoff) {
					continue
				}
				if err := os.RemoveAll(checksumDir); err == nil {
					removed++
				}
			}
		}
	}

	return removed, nil
}

// Result carries the resolved directory plus whether a network download
// was actually performed (used by the orchestrator to emit the
// TEMPLATE_CACHED / TEMPLATE_DOWNLOADED notes).
type Result struct {
	Dir        string
	Downloaded bool
}

// Resolve returns the extracted template directory for the given key,
// downloading and publishing it if the cache does not already hold it.
func (r *Resolver) Resolve(ctx context.Context, templateCode, versionSemver, downloadURL, checksumSHA256 string) (Result, *pipelineerrors.Error) {
	templateCode = strings.TrimSpace(templateCode)
	versionSemver = strings.TrimSpace(versionSemver)
	checksumSHA256 = strings.ToLower(strings.TrimSpace(checksumSHA256))

	if templateCode == "" || versionSemver == "" || downloadURL == "" {
		return Result{}, pipelineerrors.New(pipelineerrors.TemplateInvalid, "templateCode, versionSemver and downloadUrl are required", nil)
	}
	if !isHex64(checksumSHA256) {
		return Result{}, pipelineerrors.New(pipelineerrors.TemplateInvalid, "checksumSha256 must be 64 lowercase hex characters", nil)
	}

	finalDir := filepath.Join(r.cacheRoot, templateCode, versionSemver, checksumSHA256)

	if isPresent(finalDir) {
		r.metrics.ObserveCacheHit()
		return Result{Dir: finalDir, Downloaded: false}, nil
	}

	key := templateCode + ":" + versionSemver + ":" + checksumSHA256

	doResolve := func() (interface{}, error) {
		// Double-check under the single-flight lock: another goroutine
		// may have populated finalDir between our fast-path check and
		// acquiring this call.
		if isPresent(finalDir) {
			return Result{Dir: finalDir, Downloaded: false}, nil
		}

		if r.distLock != nil {
			unlock, locked, lockErr := r.distLock.Lock(ctx, key)
			if lockErr == nil && locked {
				defer unlock()
			}
			// A lock failure or a lost distributed race is not fatal:
			// the in-process single-flight group already serializes
			// this process's callers, and the atomic rename below
			// resolves any cross-process race safely.
			if isPresent(finalDir) {
				return Result{Dir: finalDir, Downloaded: false}, nil
			}
		}

		dir, err := r.downloadAndExtract(ctx, finalDir, downloadURL, checksumSHA256)
		if err != nil {
			return Result{}, err
		}
		r.metrics.ObserveCacheMiss()
		return Result{Dir: dir, Downloaded: true}, nil
	}

	value, err, shared := r.group.Do(key, doResolve)
	if shared {
		r.metrics.ObserveSingleflightJoin()
	}
	if err != nil {
		if perr, ok := err.(*pipelineerrors.Error); ok {
			return Result{}, perr
		}
		return Result{}, pipelineerrors.Wrap(pipelineerrors.InternalError, err, nil)
	}
	return value.(Result), nil
}

// downloadAndExtract streams the archive to a temp file, verifies its
// checksum, extracts to a staging sibling, and publishes it. It returns a
// *pipelineerrors.Error as the error type so callers can type-assert
// without a second mapping step.
func (r *Resolver) downloadAndExtract(ctx context.Context, finalDir, downloadURL, expectedChecksum string) (dir string, perr error) {
	if err := os.MkdirAll(filepath.Dir(finalDir), 0o755); err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.TemplateInvalid, err, nil)
	}

	tmpZip := finalDir + ".zip.tmp"
	staging := finalDir + ".tmp"

	defer func() {
		_ = os.Remove(tmpZip)
		_ = os.RemoveAll(staging)
	}()

	actualChecksum, downloadErr := r.download(ctx, downloadURL, tmpZip)
	if downloadErr != nil {
		return "", downloadErr
	}

	if actualChecksum != expectedChecksum {
		return "", pipelineerrors.New(pipelineerrors.TemplateChecksumMismatch, "checksum mismatch", map[string]string{
			"expected": expectedChecksum,
			"actual":   actualChecksum,
		})
	}

	if err := os.RemoveAll(staging); err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}
	if err := extractZip(tmpZip, staging); err != nil {
		return "", err
	}

	if !isPresent(staging) {
		return "", pipelineerrors.New(pipelineerrors.TemplateInvalid, "extracted template is missing manifest.json", nil)
	}

	if err := os.Rename(staging, finalDir); err != nil {
		if isPresent(finalDir) {
			// Lost the race to another process/goroutine; the
			// existing directory wins.
			return finalDir, nil
		}
		return "", pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}

	return finalDir, nil
}

func (r *Resolver) download(ctx context.Context, url, dest string) (checksum string, perr error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.TemplateDownloadFailed, err, nil)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.TemplateDownloadFailed, err, nil)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", pipelineerrors.New(pipelineerrors.TemplateDownloadFailed, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	out, err := os.Create(dest)
	if err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.TemplateDownloadFailed, err, nil)
	}
	defer func() { _ = out.Close() }()

	hasher := sha256.New()
	writer := io.MultiWriter(out, hasher)

	buf := make([]byte, 4096)
	if _, err := io.CopyBuffer(writer, resp.Body, buf); err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.TemplateDownloadFailed, err, nil)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// extractZip extracts src into dest, rejecting any entry name containing a
// ".." path traversal component.
func extractZip(src, dest string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}
	defer func() { _ = reader.Close() }()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}

	for _, file := range reader.File {
		if err := extractOne(dest, file); err != nil {
			return err
		}
	}
	return nil
}

func extractOne(dest string, file *zip.File) error {
	cleaned := filepath.Clean(file.Name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return pipelineerrors.New(pipelineerrors.TemplateExtractError, "zip entry attempts path traversal: "+file.Name, nil)
	}
	target := filepath.Join(dest, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return pipelineerrors.New(pipelineerrors.TemplateExtractError, "zip entry escapes staging directory: "+file.Name, nil)
	}

	if file.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}

	rc, err := file.Open()
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, rc); err != nil {
		return pipelineerrors.Wrap(pipelineerrors.TemplateExtractError, err, nil)
	}
	return nil
}

func isPresent(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, manifestFileName))
	return err == nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
