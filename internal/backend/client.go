package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/logging"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// APIError is a non-2xx response from the print service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
}

// Unwrap maps the status code onto the core error taxonomy.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return core.ErrAuthExpired
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return core.ErrCommandRejected
	default:
		return core.ErrTransientFetch
	}
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	log        *logrus.Entry
}

func NewClient(baseURL string, timeout time.Duration, tokens TokenSource, log *logrus.Entry) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		tokens: tokens,
		log:    log,
	}
}

var _ core.Backend = (*Client)(nil)

func (c *Client) QueueStatus(ctx context.Context) (*core.QueueSnapshot, error) {
	var snap core.QueueSnapshot
	if err := c.do(ctx, "queue status", http.MethodGet, "/api/queue/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) PrintJobs(ctx context.Context, statuses ...core.JobStatus) ([]core.PrintJob, error) {
	path := "/api/admin/print-jobs"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?" + url.Values{"status": {strings.Join(parts, ",")}}.Encode()
	}

	var resp struct {
		PrintJobs []core.PrintJob `json:"printJobs"`
	}
	if err := c.do(ctx, "print jobs", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.PrintJobs, nil
}

func (c *Client) PendingPayments(ctx context.Context) ([]core.Payment, error) {
	var resp struct {
		Payments []core.Payment `json:"payments"`
	}
	if err := c.do(ctx, "pending payments", http.MethodGet, "/api/payments/pending", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

// PrinterStatuses accepts either {"printers": [...]} or a single printer
// object and flattens each into a PrinterStatus.
func (c *Client) PrinterStatuses(ctx context.Context) ([]core.PrinterStatus, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "printer status", http.MethodGet, "/api/admin/printer/status", nil, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		Printers []map[string]any `json:"printers"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Printers != nil {
		out := make([]core.PrinterStatus, 0, len(wrapped.Printers))
		for _, p := range wrapped.Printers {
			out = append(out, PrinterFromFields(p))
		}
		return out, nil
	}

	var single map[string]any
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: decode printer status: %v", core.ErrTransientFetch, err)
	}
	return []core.PrinterStatus{PrinterFromFields(single)}, nil
}

func (c *Client) WorkerStatus(ctx context.Context) (*core.WorkerStatus, error) {
	var ws core.WorkerStatus
	if err := c.do(ctx, "worker status", http.MethodGet, "/api/admin/workers/status", nil, &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

func (c *Client) VerifyPayment(ctx context.Context, req core.VerifyPaymentRequest) (*core.VerifyPaymentResult, error) {
	var res core.VerifyPaymentResult
	if err := c.do(ctx, "verify payment", http.MethodPost, "/api/payments/verify", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) TriggerTimeout(ctx context.Context, jobID core.ID) error {
	body := map[string]core.ID{"jobId": jobID}
	return c.do(ctx, "trigger timeout", http.MethodPost, "/api/admin/workers/queue/timeout", body, nil)
}

func (c *Client) SkipJob(ctx context.Context, jobID core.ID) error {
	path := "/api/admin/queue/" + url.PathEscape(string(jobID)) + "/skip"
	return c.do(ctx, "skip job", http.MethodPost, path, nil, nil)
}

func (c *Client) CancelJob(ctx context.Context, jobID core.ID) error {
	path := "/api/admin/print-jobs/" + url.PathEscape(string(jobID)) + "/cancel"
	return c.do(ctx, "cancel job", http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", op, ctxErr)
		}
		return fmt.Errorf("%s: %w: %v", op, core.ErrTransientFetch, err)
	}
	defer resp.Body.Close()

	c.log.WithFields(logrus.Fields{
		"op":       op,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("backend request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.Body),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: %w: decode response: %v", op, core.ErrTransientFetch, err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(data))
}
