package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/metrics"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Fleet API paths, relative to the base URL
const (
	pathLatestVersion = "/device/version/latest"
	pathDownload      = "/device/version/%s/download"
	pathRegister      = "/device/register"
	pathStatus        = "/device/status"
	pathValidate      = "/device/%s/validate"
	pathStartup       = "/device/startup"
	pathCrash         = "/device/crash"
	pathLogs          = "/device/logs"
)

// DefaultTokenTTL is the lifetime of each device token
const DefaultTokenTTL = 15 * time.Second

// Client talks to the fleet backend over HTTP/JSON
type Client struct {
	http     *http.Client
	tokenTTL time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.RWMutex
	baseURL  string
	identity *types.DeviceIdentity
}

// NewClient creates a client for baseURL. A nil httpClient uses a client
// without a timeout; every call is bounded by the caller's context.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		http:     httpClient,
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
		logger:   log.WithComponent("fleet"),
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// SetBaseURL points the client at another backend. Empty is ignored.
func (c *Client) SetBaseURL(baseURL string) {
	if baseURL == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(baseURL, "/")
}

// BaseURL returns the backend the client currently talks to
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetIdentity sets the identity used to sign authenticated requests
func (c *Client) SetIdentity(identity *types.DeviceIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = identity
}

// LatestVersion returns the newest bundle version published for the device
func (c *Client) LatestVersion(ctx context.Context) (string, error) {
	var resp struct {
		Latest json.RawMessage `json:"latest"`
	}
	if err := c.do(ctx, "latest_version", http.MethodGet, pathLatestVersion, nil, true, &resp); err != nil {
		return "", err
	}
	return versionString(resp.Latest), nil
}

// Download streams the archive of version into w
func (c *Client) Download(ctx context.Context, version string, w io.Writer) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DownloadDuration)

	path := fmt.Sprintf(pathDownload, url.PathEscape(version))
	resp, err := c.send(ctx, "download", http.MethodGet, path, nil, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("%w: download interrupted after %d bytes: %v", ErrUnavailable, n, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return fmt.Errorf("%w: download truncated at %d of %d bytes", ErrUnavailable, n, resp.ContentLength)
	}

	c.logger.Debug().Str("version", version).Int64("bytes", n).Msg("Archive downloaded")
	return nil
}

// Register exchanges an activation code for a device identity
func (c *Client) Register(ctx context.Context, mac, code string) (*types.Registration, error) {
	req := map[string]string{"mac": mac, "code": code}
	var reg types.Registration
	if err := c.do(ctx, "register", http.MethodPost, pathRegister, req, false, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// SetStatus reports an operational status for the device
func (c *Client) SetStatus(ctx context.Context, status types.DeviceStatus) error {
	req := map[string]string{"status": string(status)}
	return c.do(ctx, "set_status", http.MethodPut, pathStatus, req, true, nil)
}

// ClearStatus removes the reported operational status
func (c *Client) ClearStatus(ctx context.Context) error {
	return c.do(ctx, "clear_status", http.MethodDelete, pathStatus, nil, true, nil)
}

// ValidateDeviceID checks that the backend still knows the device. A 410
// answer yields ErrIdentityInvalid.
func (c *Client) ValidateDeviceID(ctx context.Context) error {
	c.mu.RLock()
	identity := c.identity
	c.mu.RUnlock()
	if identity == nil {
		return ErrNoIdentity
	}

	path := fmt.Sprintf(pathValidate, url.PathEscape(identity.DeviceID))
	err := c.do(ctx, "validate", http.MethodGet, path, nil, true, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusGone {
		return fmt.Errorf("%w: %s", ErrIdentityInvalid, identity.DeviceID)
	}
	return err
}

// StartupInfo fetches the per-iteration device info: latest version and the
// location payload
func (c *Client) StartupInfo(ctx context.Context) (*types.StartupInfo, error) {
	var resp struct {
		Latest   json.RawMessage `json:"latest"`
		Location json.RawMessage `json:"location"`
	}
	if err := c.do(ctx, "startup", http.MethodGet, pathStartup, nil, true, &resp); err != nil {
		return nil, err
	}

	info := &types.StartupInfo{LatestVersion: versionString(resp.Latest)}
	if len(resp.Location) > 0 && string(resp.Location) != "null" {
		info.Location = []byte(resp.Location)
	}
	return info, nil
}

// SubmitCrashReport uploads a crash report
func (c *Client) SubmitCrashReport(ctx context.Context, report *types.CrashReport) error {
	return c.do(ctx, "crash_report", http.MethodPost, pathCrash, report, true, nil)
}

// SubmitLogs uploads one batch of log events
func (c *Client) SubmitLogs(ctx context.Context, events []types.LogEvent) error {
	req := struct {
		BatchID string           `json:"batchId"`
		Logs    []types.LogEvent `json:"logs"`
	}{
		BatchID: uuid.NewString(),
		Logs:    events,
	}
	return c.do(ctx, "logs", http.MethodPost, pathLogs, req, true, nil)
}

// do sends a JSON request and decodes a JSON response into out when non-nil
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, auth bool, out interface{}) error {
	resp, err := c.send(ctx, op, method, path, body, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", op, err)
	}
	return nil
}

// send performs the request and returns the response only for 2xx answers
func (c *Client) send(ctx context.Context, op, method, path string, body interface{}, auth bool) (*http.Response, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, op)

	c.mu.RLock()
	base := c.baseURL
	identity := c.identity
	c.mu.RUnlock()

	if base == "" {
		return nil, fmt.Errorf("%w: no api url configured", ErrUnavailable)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth {
		if identity == nil {
			return nil, ErrNoIdentity
		}
		token, err := createToken(identity.DeviceID, identity.PrivateKey, c.tokenTTL, c.now())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &APIError{
			Operation: op,
			Status:    resp.StatusCode,
			Message:   errorMessage(resp.Body),
		}
	}
	return resp, nil
}

// errorMessage extracts {"msg": ...} or {"message": ...} from an error body,
// falling back to the raw text
func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Msg != "" {
			return body.Msg
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// versionString accepts the version as a JSON string or number
func versionString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
