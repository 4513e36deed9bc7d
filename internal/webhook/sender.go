package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orrn/printconsole/internal/config"
	"github.com/orrn/printconsole/internal/core"
	"github.com/orrn/printconsole/internal/logging"
)

type WebhookEvent string

const (
	EventCommandSettled WebhookEvent = "command_settled"
	EventDataStale      WebhookEvent = "data_stale"
	EventDataRecovered  WebhookEvent = "data_recovered"
	EventAuthExpired    WebhookEvent = "auth_expired"
)

var (
	ErrShutdown        = errors.New("webhook sender shutting down")
	ErrUnknownEndpoint = errors.New("unknown webhook endpoint")
)

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type CommandEventData struct {
	CommandID  string `json:"command_id"`
	Action     string `json:"action"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type HealthEventData struct {
	Connected           bool       `json:"connected"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSyncAt          *time.Time `json:"last_sync_at,omitempty"`
}

type AuthEventData struct {
	Reason string `json:"reason"`
}

type httpError struct {
	StatusCode int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

type webhookTask struct {
	endpoint config.WebhookEndpoint
	event    WebhookEvent
	payload  *WebhookPayload
	attempt  int
}

// WebhookSender fans console events out to the configured endpoints through a
// bounded queue served by a fixed worker pool.
type WebhookSender struct {
	endpoints   []config.WebhookEndpoint
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *webhookTask
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	log         *logrus.Entry
}

func NewWebhookSender(cfg config.WebhooksConfig, log *logrus.Entry) *WebhookSender {
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if log == nil {
		log = logging.Discard()
	}

	return &WebhookSender{
		endpoints: cfg.Endpoints,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		workerCount: cfg.WorkerCount,
		queue:       make(chan *webhookTask, cfg.QueueSize),
		stopCh:      make(chan struct{}),
		log:         log,
	}
}

func (s *WebhookSender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *WebhookSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *WebhookSender) SendCommandSettled(rec core.CommandRecord) {
	data := &CommandEventData{
		CommandID:  rec.ID.String(),
		Action:     string(rec.Action),
		EntityType: string(rec.Target.Kind),
		EntityID:   string(rec.Target.ID),
		State:      string(rec.State),
		Error:      rec.Error,
	}
	if rec.SettledAt != nil {
		data.DurationMs = rec.SettledAt.Sub(rec.DispatchedAt).Milliseconds()
	}
	s.enqueue(EventCommandSettled, data)
}

func (s *WebhookSender) SendDataStale(h core.Health) {
	s.enqueue(EventDataStale, healthData(h))
}

func (s *WebhookSender) SendDataRecovered(h core.Health) {
	s.enqueue(EventDataRecovered, healthData(h))
}

func (s *WebhookSender) SendAuthExpired(cause error) {
	reason := "session expired"
	if cause != nil {
		reason = cause.Error()
	}
	s.enqueue(EventAuthExpired, &AuthEventData{Reason: reason})
}

// Endpoints returns the configured endpoints.
func (s *WebhookSender) Endpoints() []config.WebhookEndpoint {
	return append([]config.WebhookEndpoint(nil), s.endpoints...)
}

// Test delivers a signed test event to the named endpoint without retrying.
func (s *WebhookSender) Test(name string) error {
	for _, ep := range s.endpoints {
		if ep.Name != name {
			continue
		}
		return s.sendRequest(ep, &WebhookPayload{
			Event:     "test",
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"test":    true,
				"message": "Test webhook from printconsole",
			},
		})
	}
	return ErrUnknownEndpoint
}

func healthData(h core.Health) *HealthEventData {
	return &HealthEventData{
		Connected:           h.Connected,
		ConsecutiveFailures: h.ConsecutiveFailures,
		LastError:           h.LastError,
		LastSyncAt:          h.LastSyncAt,
	}
}

func (s *WebhookSender) enqueue(event WebhookEvent, data interface{}) {
	for _, ep := range s.endpointsFor(event) {
		task := &webhookTask{
			endpoint: ep,
			event:    event,
			payload: &WebhookPayload{
				Event:     string(event),
				Timestamp: time.Now(),
				Data:      data,
			},
		}

		select {
		case s.queue <- task:
		default:
			s.log.WithFields(logrus.Fields{
				"endpoint": ep.Name,
				"event":    event,
			}).Warn("webhook queue full, dropping delivery")
		}
	}
}

// endpointsFor returns the endpoints subscribed to event. An endpoint with no
// event list receives everything.
func (s *WebhookSender) endpointsFor(event WebhookEvent) []config.WebhookEndpoint {
	var out []config.WebhookEndpoint
	for _, ep := range s.endpoints {
		if len(ep.Events) == 0 {
			out = append(out, ep)
			continue
		}
		for _, e := range ep.Events {
			if e == string(event) {
				out = append(out, ep)
				break
			}
		}
	}
	return out
}

func (s *WebhookSender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.log.WithFields(logrus.Fields{
					"worker":   id,
					"endpoint": task.endpoint.Name,
					"event":    task.event,
					"attempts": task.attempt,
				}).WithError(err).Error("failed to deliver webhook")
			}
		}
	}
}

func (s *WebhookSender) sendWithRetry(task *webhookTask) error {
	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(task.endpoint, task.payload)
		if err == nil {
			return nil
		}

		lastErr = err

		if isClientError(err) {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.log.WithFields(logrus.Fields{
				"endpoint": task.endpoint.Name,
				"attempt":  task.attempt,
				"delay":    backoff,
			}).WithError(err).Debug("retrying webhook")

			select {
			case <-s.stopCh:
				return ErrShutdown
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *WebhookSender) sendRequest(ep config.WebhookEndpoint, payload *WebhookPayload) error {
	payloadBytes, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	signed := *payload
	if ep.Secret != "" {
		signed.Signature = SignPayload(payloadBytes, ep.Secret)
	}

	fullPayload, err := json.Marshal(&signed)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(fullPayload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signed.Signature)
	req.Header.Set("X-Webhook-Event", signed.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &httpError{StatusCode: resp.StatusCode}
	}

	return nil
}

// SignPayload returns the hex HMAC-SHA256 of the event data under secret.
func SignPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
