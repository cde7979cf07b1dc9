package statussync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
	"github.com/yungbote/ragmind-backend/internal/types"
)

// External milestone statuses. Callers only ever learn these three; the
// internal state machine stays internal.
const (
	ExternalLayoutReady      = "layout_ready"
	ExternalFullyProcessed   = "fully_processed"
	ExternalProcessingFailed = "processing_failed"
)

// Event is one internal status change that may be worth telling the
// uploading system about.
type Event struct {
	DocID       string
	Status      string
	RequestID   string
	CallbackURL string
}

// Notifier pushes milestone status changes to the external system that
// uploaded the document. Delivery is asynchronous and best-effort: the
// pipeline never blocks on and never fails because of a callback.
type Notifier interface {
	Notify(event Event)
	Close()
}

type Config struct {
	Enabled       bool
	DefaultURL    string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	QueueSize     int
	Workers       int
}

type notifier struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client

	queue chan Event
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(log *logger.Logger, cfg Config) (Notifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	n := &notifier{
		log:   log.With("client", "StatusSync"),
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		queue: make(chan Event, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}
	return n, nil
}

// ExternalStatus maps an internal pipeline status to its external milestone.
// Statuses between milestones are not synced at all.
func ExternalStatus(internal string) (string, bool) {
	switch {
	case internal == types.StatusParsed:
		return ExternalLayoutReady, true
	case internal == types.StatusSplited:
		return ExternalFullyProcessed, true
	case types.IsFailureStatus(internal):
		return ExternalProcessingFailed, true
	default:
		return "", false
	}
}

// Notify enqueues the event. Non-milestone statuses and disabled sync are
// filtered here so they never occupy queue slots. A full queue drops the
// event with a log instead of blocking the pipeline.
func (n *notifier) Notify(event Event) {
	if !n.cfg.Enabled {
		n.log.Debug("Status sync disabled, skipping",
			"doc_id", event.DocID, "status", event.Status, "request_id", event.RequestID)
		return
	}
	if _, ok := ExternalStatus(event.Status); !ok {
		n.log.Debug("Status sync skipped, not a milestone",
			"doc_id", event.DocID, "status", event.Status, "request_id", event.RequestID)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.log.Warn("Status sync closed, dropping event",
			"doc_id", event.DocID, "status", event.Status)
		return
	}
	select {
	case n.queue <- event:
	default:
		n.log.Warn("Status sync queue full, dropping event",
			"doc_id", event.DocID, "status", event.Status, "request_id", event.RequestID)
	}
}

// Close stops accepting events, drains the queue and waits for in-flight
// deliveries.
func (n *notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
}

func (n *notifier) worker() {
	defer n.wg.Done()
	for event := range n.queue {
		n.deliver(event)
	}
}

type payload struct {
	DocID     string `json:"doc_id"`
	Status    string `json:"status"`
	RequestID string `json:"request_id,omitempty"`
}

func (n *notifier) deliver(event Event) {
	external, _ := ExternalStatus(event.Status)

	url := strings.TrimSpace(event.CallbackURL)
	if url == "" {
		url = strings.TrimSpace(n.cfg.DefaultURL)
	}
	if url == "" {
		n.log.Warn("Status sync has no callback URL",
			"doc_id", event.DocID, "status", event.Status, "request_id", event.RequestID)
		return
	}

	body, err := json.Marshal(payload{
		DocID:     event.DocID,
		Status:    external,
		RequestID: event.RequestID,
	})
	if err != nil {
		n.log.Error("Status sync payload encode failed", "doc_id", event.DocID, "error", err)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= n.cfg.RetryAttempts; attempt++ {
		lastErr = n.post(url, body)
		if lastErr == nil {
			n.log.Info("Status sync delivered",
				"doc_id", event.DocID,
				"internal_status", event.Status,
				"external_status", external,
				"request_id", event.RequestID,
				"attempt", attempt,
			)
			return
		}
		if attempt < n.cfg.RetryAttempts {
			time.Sleep(n.cfg.RetryDelay)
		}
	}

	// A lost failure notification leaves the uploader polling forever, so
	// it gets a louder log than a lost success notification.
	fields := []any{
		"doc_id", event.DocID,
		"internal_status", event.Status,
		"external_status", external,
		"request_id", event.RequestID,
		"attempts", n.cfg.RetryAttempts,
		"error", lastErr.Error(),
	}
	if types.IsFailureStatus(event.Status) {
		n.log.Error("Status sync failed for failure status", fields...)
	} else {
		n.log.Warn("Status sync failed", fields...)
	}
}

func (n *notifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status sync http %d", resp.StatusCode)
	}
	return nil
}
