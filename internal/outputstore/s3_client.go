package outputstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const defaultRequestTimeout = 15 * time.Second

type objectReference struct {
	Key string
	URL string
}

type objectStorageClient interface {
	Enabled() bool
	Upload(ctx context.Context, key, contentType string, body []byte) (objectReference, error)
}

type noopObjectStorageClient struct{}

func (noopObjectStorageClient) Enabled() bool { return false }

func (noopObjectStorageClient) Upload(context.Context, string, string, []byte) (objectReference, error) {
	return objectReference{}, nil
}

func newObjectStorageClient(cfg S3Config) objectStorageClient {
	bucket := strings.TrimSpace(cfg.Bucket)
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if bucket == "" || endpoint == "" {
		return noopObjectStorageClient{}
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	if strings.Contains(endpoint, "://") {
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.Host
		}
	}
	baseURL := &url.URL{Scheme: scheme, Host: endpoint}
	if baseURL.Host == "" {
		return noopObjectStorageClient{}
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &s3ObjectStorageClient{
		cfg:        cfg,
		endpoint:   baseURL,
		signer:     newSigV4Signer(cfg),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type s3ObjectStorageClient struct {
	cfg        S3Config
	endpoint   *url.URL
	signer     *sigV4Signer
	httpClient *http.Client
}

func (c *s3ObjectStorageClient) Enabled() bool { return true }

func (c *s3ObjectStorageClient) Upload(ctx context.Context, key, contentType string, body []byte) (objectReference, error) {
	finalKey := c.applyPrefix(key)
	target := c.objectURL(finalKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.String(), bytes.NewReader(body))
	if err != nil {
		return objectReference{}, fmt.Errorf("create upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.signer.sign(req, sha256Hex(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return objectReference{}, fmt.Errorf("upload object %s: %w", finalKey, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return objectReference{}, fmt.Errorf("upload object %s: unexpected status %d", finalKey, resp.StatusCode)
	}
	return objectReference{Key: finalKey, URL: c.publicURL(finalKey)}, nil
}

func (c *s3ObjectStorageClient) applyPrefix(key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix := strings.Trim(strings.TrimSpace(c.cfg.Prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == "" {
		return prefix
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func (c *s3ObjectStorageClient) objectURL(finalKey string) *url.URL {
	basePath := strings.TrimRight(c.endpoint.Path, "/")
	path := "/" + strings.TrimLeft(c.cfg.Bucket, "/")
	trimmedKey := strings.TrimLeft(finalKey, "/")
	if trimmedKey != "" {
		path += "/" + trimmedKey
	}
	if basePath != "" {
		path = basePath + path
	}
	u := *c.endpoint
	u.Path = path
	return &u
}

func (c *s3ObjectStorageClient) publicURL(key string) string {
	base := strings.TrimSpace(c.cfg.PublicEndpoint)
	if base == "" {
		return ""
	}
	trimmedBase := strings.TrimRight(base, "/")
	trimmedKey := strings.TrimLeft(key, "/")
	if trimmedKey == "" {
		return trimmedBase
	}
	return trimmedBase + "/" + trimmedKey
}

const (
	amzDateTimeLayout = "20060102T150405Z"
	amzDayLayout      = "20060102"
)

// sigV4Signer stamps S3-compatible PUT requests with an AWS Signature
// Version 4 Authorization header. The clock is a field so tests can pin
// the signing time and assert the exact signature against a known vector.
type sigV4Signer struct {
	accessKey string
	secretKey string
	region    string
	now       func() time.Time
}

func newSigV4Signer(cfg S3Config) *sigV4Signer {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	return &sigV4Signer{
		accessKey: strings.TrimSpace(cfg.AccessKey),
		secretKey: strings.TrimSpace(cfg.SecretKey),
		region:    region,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// sign always sets the host and x-amz-content-sha256 headers so endpoints
// with authentication disabled still accept the payload; the date stamp
// and Authorization header are added only when credentials are configured.
func (s *sigV4Signer) sign(req *http.Request, payloadHash string) {
	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	if s.accessKey == "" || s.secretKey == "" {
		return
	}

	t := s.now()
	amzDate := t.Format(amzDateTimeLayout)
	day := t.Format(amzDayLayout)
	req.Header.Set("x-amz-date", amzDate)

	names, headerBlock := signedHeaders(req)
	signedList := strings.Join(names, ";")

	canonical := req.Method + "\n" +
		requestPath(req.URL) + "\n" +
		sortedQuery(req.URL) + "\n" +
		headerBlock + "\n" +
		signedList + "\n" +
		payloadHash
	scope := day + "/" + s.region + "/s3/aws4_request"
	toSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + sha256Hex([]byte(canonical))

	key := []byte("AWS4" + s.secretKey)
	for _, part := range []string{day, s.region, "s3", "aws4_request"} {
		key = hmacSum(key, part)
	}
	signature := hex.EncodeToString(hmacSum(key, toSign))

	req.Header.Set("Authorization",
		"AWS4-HMAC-SHA256 Credential="+s.accessKey+"/"+scope+
			", SignedHeaders="+signedList+
			", Signature="+signature)
}

// signedHeaders returns the sorted lowercase names of every header being
// signed and the matching canonical name:value block. Authorization is
// excluded; a missing Host header is filled from req.Host.
func signedHeaders(req *http.Request) ([]string, string) {
	byName := make(map[string]string, len(req.Header)+1)
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" {
			continue
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		byName[lower] = strings.Join(trimmed, ",")
	}
	if _, ok := byName["host"]; !ok && req.Host != "" {
		byName["host"] = req.Host
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	var block strings.Builder
	for _, name := range names {
		block.WriteString(name + ":" + byName[name] + "\n")
	}
	return names, block.String()
}

func requestPath(u *url.URL) string {
	if u == nil {
		return "/"
	}
	path := u.EscapedPath()
	switch {
	case path == "":
		return "/"
	case !strings.HasPrefix(path, "/"):
		return "/" + path
	default:
		return path
	}
}

// sortedQuery canonicalizes the query string: keys sorted, values sorted
// within each key, every component escaped.
func sortedQuery(u *url.URL) string {
	if u == nil || u.RawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(values))
	for _, key := range keys {
		sorted := values[key]
		sort.Strings(sorted)
		for _, value := range sorted {
			pairs = append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	return strings.Join(pairs, "&")
}

func hmacSum(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
