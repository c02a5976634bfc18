package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-pairing/core"
	"github.com/goliatone/go-pairing/identity"
	"github.com/goliatone/go-pairing/ratelimit"
	"github.com/goliatone/go-pairing/security"
)

const (
	BucketUpload   ratelimit.Bucket = "storage:upload"
	BucketDownload ratelimit.Bucket = "storage:download"

	headerAPIKey = "x-api-key"
)

// ThrottlePolicy is consulted before every storage call and fed every reply.
type ThrottlePolicy interface {
	Allow(ctx context.Context, bucket ratelimit.Bucket) error
	Observe(ctx context.Context, bucket ratelimit.Bucket, res ratelimit.Response) error
}

// Credential is a downloaded bundle. Data holds the bundle JSON, or a JSON
// string with the sealed payload when Sealed is set.
type Credential struct {
	ID     string
	Data   json.RawMessage
	Sealed bool
}

type Downloader interface {
	Download(ctx context.Context, credentialID string) (Credential, error)
}

type uploadPayload struct {
	CredsID   string `json:"credsId"`
	CredsData any    `json:"credsData"`
}

type downloadPayload struct {
	CredsData json.RawMessage `json:"credsData"`
}

type StorageOption func(*StorageClient)

func WithHTTPClient(client HTTPDoer) StorageOption {
	return func(c *StorageClient) {
		if client != nil {
			c.rest = NewRESTAdapter(client)
		}
	}
}

func WithThrottlePolicy(policy ThrottlePolicy) StorageOption {
	return func(c *StorageClient) {
		c.throttle = policy
	}
}

func WithSealer(sealer *security.Sealer) StorageOption {
	return func(c *StorageClient) {
		c.sealer = sealer
	}
}

func WithStorageLogger(logger core.Logger) StorageOption {
	return func(c *StorageClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) StorageOption {
	return func(c *StorageClient) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// StorageClient talks to the remote credential storage API. It uploads
// session bundles with bounded linear-backoff retries and downloads them by
// credential id.
type StorageClient struct {
	rest             *RESTAdapter
	baseURL          string
	uploadPath       string
	downloadPath     string
	apiKey           string
	timeout          time.Duration
	maxAttempts      int
	backoff          time.Duration
	ids              core.IDGenerator
	credentialPrefix string
	throttle         ThrottlePolicy
	sealer           *security.Sealer
	logger           core.Logger
	sleep            func(ctx context.Context, d time.Duration) error
}

func NewStorageClient(cfg core.StorageConfig, ids core.IDGenerator, credentialPrefix string, opts ...StorageOption) (*StorageClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("transport: storage base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("transport: storage api key is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("transport: credential id generator is required")
	}
	client := &StorageClient{
		rest:             NewRESTAdapter(nil),
		baseURL:          baseURL,
		uploadPath:       ensureLeadingSlash(cfg.UploadPath),
		downloadPath:     ensureLeadingSlash(cfg.DownloadPath),
		apiKey:           strings.TrimSpace(cfg.APIKey),
		timeout:          cfg.Timeout(),
		maxAttempts:      max(cfg.MaxAttempts, 1),
		backoff:          cfg.Backoff(),
		ids:              ids,
		credentialPrefix: strings.TrimSpace(credentialPrefix),
		logger:           glog.Nop(),
		sleep:            sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Upload reads the bundle, assigns a fresh credential id and posts it.
// A missing or unreadable bundle is returned at once; transport and upstream
// failures are retried up to the attempt bound.
func (c *StorageClient) Upload(ctx context.Context, bundlePath string) (core.UploadResult, error) {
	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.UploadResult{}, core.NewCredentialNotReadyError(bundlePath)
		}
		return core.UploadResult{}, core.NewUploadError(err, 0, 0, "")
	}
	if !json.Valid(raw) {
		c.logger.Warn("credential bundle is not valid json", "bundle_file", bundlePath)
		return core.UploadResult{}, core.NewCredentialNotReadyError(bundlePath)
	}

	credentialID, err := c.ids.New()
	if err != nil {
		return core.UploadResult{}, core.NewUploadError(err, 0, 0, "")
	}
	result := core.UploadResult{
		CredentialID: credentialID,
		Fingerprint:  security.Fingerprint(raw),
	}

	payload := uploadPayload{CredsID: credentialID, CredsData: json.RawMessage(raw)}
	if c.sealer.Enabled() {
		sealed, sealErr := c.sealer.Seal(raw)
		if sealErr != nil {
			return result, core.NewUploadError(sealErr, 0, 0, "")
		}
		payload.CredsData = sealed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return result, core.NewUploadError(err, 0, 0, "")
	}

	var (
		lastErr    error
		lastStatus int
		lastBody   string
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result.Attempts = attempt
		c.logger.Info("uploading credential bundle", "attempt", attempt, "bundle_fingerprint", result.Fingerprint)

		res, callErr := c.call(ctx, BucketUpload, Request{
			Method:  http.MethodPost,
			URL:     c.baseURL + c.uploadPath,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    body,
		})
		if callErr == nil {
			c.logger.Info("credential bundle uploaded", "attempt", attempt, "status", res.StatusCode)
			return result, nil
		}

		lastErr = callErr
		lastStatus = res.StatusCode
		lastBody = string(res.Body)
		c.logger.Warn("credential upload attempt failed", "attempt", attempt, "status", res.StatusCode, "error", callErr)

		if ctx.Err() != nil || attempt == c.maxAttempts {
			break
		}
		if waitErr := c.sleep(ctx, time.Duration(attempt)*c.backoff); waitErr != nil {
			break
		}
	}
	return result, core.NewUploadError(lastErr, result.Attempts, lastStatus, lastBody)
}

// Download fetches a previously uploaded bundle. The id must carry the
// credential prefix.
func (c *StorageClient) Download(ctx context.Context, credentialID string) (Credential, error) {
	credentialID = strings.TrimSpace(credentialID)
	if err := identity.ValidatePrefixed(c.credentialPrefix, credentialID); err != nil {
		return Credential{}, err
	}

	res, err := c.call(ctx, BucketDownload, Request{
		Method:  http.MethodGet,
		URL:     c.baseURL + c.downloadPath + "/" + url.PathEscape(credentialID),
		Headers: map[string]string{"Accept": "application/json"},
	})
	if err != nil {
		if res.StatusCode == http.StatusNotFound {
			return Credential{}, core.NewNotFoundError("credential not found")
		}
		return Credential{}, err
	}

	var payload downloadPayload
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return Credential{}, transportWrapError(err, goerrors.CategoryExternal, "transport: decode download response",
			http.StatusBadGateway, map[string]any{"status_code": res.StatusCode})
	}
	return decodeCredential(credentialID, payload.CredsData)
}

// call runs one request through the throttle policy. Non-2xx replies come
// back as errors together with the response so callers can inspect them.
func (c *StorageClient) call(ctx context.Context, bucket ratelimit.Bucket, req Request) (Response, error) {
	if c.throttle != nil {
		if err := c.throttle.Allow(ctx, bucket); err != nil {
			return Response{}, err
		}
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	req.Headers[headerAPIKey] = c.apiKey
	req.Timeout = c.timeout

	res, err := c.rest.Do(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if c.throttle != nil {
		if observeErr := c.throttle.Observe(ctx, bucket, ratelimit.Response{StatusCode: res.StatusCode, Header: res.Header}); observeErr != nil {
			c.logger.Warn("throttle policy update failed", "bucket", string(bucket), "error", observeErr)
		}
	}
	if !res.OK() {
		return res, transportError(
			fmt.Sprintf("transport: storage responded with status %d", res.StatusCode),
			upstreamCategory(res.StatusCode),
			http.StatusBadGateway,
			map[string]any{"status_code": res.StatusCode, "bucket": string(bucket)},
		)
	}
	return res, nil
}

func decodeCredential(credentialID string, data json.RawMessage) (Credential, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Credential{}, transportError("transport: download response has no credential data",
			goerrors.CategoryExternal, http.StatusBadGateway, map[string]any{"credential_id": credentialID})
	}
	if trimmed[0] != '"' {
		return Credential{ID: credentialID, Data: json.RawMessage(trimmed)}, nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return Credential{}, transportWrapError(err, goerrors.CategoryExternal, "transport: decode credential data",
			http.StatusBadGateway, nil)
	}
	if security.IsSealed(text) {
		return Credential{ID: credentialID, Data: json.RawMessage(trimmed), Sealed: true}, nil
	}
	if !json.Valid([]byte(text)) {
		return Credential{}, transportError("transport: credential data is not json",
			goerrors.CategoryExternal, http.StatusBadGateway, map[string]any{"credential_id": credentialID})
	}
	return Credential{ID: credentialID, Data: json.RawMessage(text)}, nil
}

func upstreamCategory(status int) goerrors.Category {
	switch {
	case status == http.StatusTooManyRequests:
		return goerrors.CategoryRateLimit
	case status == http.StatusNotFound:
		return goerrors.CategoryNotFound
	default:
		return goerrors.CategoryExternal
	}
}

func ensureLeadingSlash(path string) string {
	path = strings.TrimSpace(path)
	if path == "" || strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ core.CredentialUploader = (*StorageClient)(nil)
	_ Downloader              = (*StorageClient)(nil)
)
