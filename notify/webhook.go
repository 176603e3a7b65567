// SPDX-License-Identifier: MIT

package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// pendingCap bounds the queue; the oldest event is dropped when full.
	pendingCap = 1000

	// maxAttempts bounds delivery retries per batch.
	maxAttempts = 3
)

// Webhook batches events and posts them to an HTTP endpoint as a text
// message.
//
// Events are queued by Send and flushed by a background worker: a queue that
// has been quiet for the send interval goes out as one message, multiple
// pending events as a numbered digest. Delivery failures are retried with a
// linear back-off before the batch is dropped.
type Webhook struct {
	url    string
	client *http.Client
	log    *zap.Logger

	sendInterval  time.Duration
	retryInterval time.Duration
	pollInterval  time.Duration

	mu       sync.Mutex
	pending  []Event
	lastSend time.Time

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// WebhookOption is a construction option for a Webhook.
type WebhookOption func(*Webhook)

// WithSendInterval sets the minimum time between two batch posts.
//
// The default is one minute. The first batch after construction is not held
// back.
func WithSendInterval(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.sendInterval = d
	}
}

// WithRetryInterval sets the base back-off between delivery attempts.
//
// The n-th failure waits n times this interval. The default is one second.
func WithRetryInterval(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.retryInterval = d
	}
}

// WithPollInterval sets how often the worker checks the queue.
//
// The default is one second.
func WithPollInterval(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.pollInterval = d
	}
}

// WithWebhookLogger sets the logger used by the Webhook.
func WithWebhookLogger(log *zap.Logger) WebhookOption {
	return func(w *Webhook) {
		w.log = log
	}
}

// NewWebhook creates a Webhook channel posting to url and starts its worker.
func NewWebhook(url string, options ...WebhookOption) *Webhook {
	w := &Webhook{
		url:           url,
		client:        &http.Client{Timeout: 5 * time.Second},
		sendInterval:  time.Minute,
		retryInterval: time.Second,
		pollInterval:  time.Second,
		done:          make(chan struct{}),
	}
	for _, option := range options {
		option(w)
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	w.wg.Add(1)
	go w.worker()
	return w
}

// Send queues the event for the next batch.
func (w *Webhook) Send(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) >= pendingCap {
		w.pending = w.pending[1:]
		w.log.Warn("notification queue full, dropping oldest")
	}
	w.pending = append(w.pending, e)
	return nil
}

// Close stops the worker, posts anything still queued in a single attempt,
// and waits for in-flight deliveries.
func (w *Webhook) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()
		if len(batch) > 0 {
			if err := w.post(combine(batch)); err != nil {
				w.log.Warn("final notification flush failed", zap.Error(err))
			}
		}
	})
	return nil
}

func (w *Webhook) worker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush takes the pending batch if the send interval has elapsed and
// dispatches it without blocking the worker.
func (w *Webhook) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 || time.Since(w.lastSend) < w.sendInterval {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.lastSend = time.Now()
	w.mu.Unlock()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.dispatch(combine(batch))
	}()
}

// dispatch delivers one message, retrying with a linear back-off before
// giving up.
func (w *Webhook) dispatch(body string) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.post(body)
		if err == nil {
			return
		}
		if attempt < maxAttempts {
			time.Sleep(w.retryInterval * time.Duration(attempt))
			continue
		}
		w.log.Error("notification dropped",
			zap.Int("attempts", maxAttempts),
			zap.Error(err))
	}
}

func (w *Webhook) post(body string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"msgtype": "text",
		"text":    map[string]string{"content": body},
	})
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rsp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post")
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return errors.Errorf("status %d", rsp.StatusCode)
	}
	var result struct {
		ErrCode *int `json:"errcode"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&result); err != nil {
		return errors.Wrap(err, "decode response")
	}
	if result.ErrCode == nil || *result.ErrCode != 0 {
		return errors.Errorf("errcode %v", result.ErrCode)
	}
	return nil
}

// combine renders a batch as the webhook message body: the bare template for
// a single event, a numbered digest for several.
func combine(batch []Event) string {
	if len(batch) == 1 {
		e := batch[0]
		switch e.Kind {
		case KindMemoryFull:
			return "⚠️ 警告：短信存储空间已满\n请及时处理，否则可能无法接收新短信"
		case KindCall:
			return "📞 来电提醒\n" + e.Content
		case KindSignal:
			return e.Content
		default:
			return "📱 新短信通知\n发送者: " + e.Sender + "\n内容: " + e.Content
		}
	}
	var b strings.Builder
	b.WriteString("📑 批量通知汇总\n")
	b.WriteString(strings.Repeat("=", 20))
	b.WriteString("\n")
	for i, e := range batch {
		n := strconv.Itoa(i + 1)
		switch e.Kind {
		case KindMemoryFull:
			b.WriteString("\n" + n + ". ⚠️ 存储空间已满警告")
		case KindCall:
			b.WriteString("\n" + n + ". 📞 " + e.Content)
		case KindSignal:
			b.WriteString("\n" + n + ". 📶 " + e.Content)
		default:
			b.WriteString("\n" + n + ". 📱 来自 " + e.Sender + " 的短信:\n" + e.Content)
		}
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", 20))
	}
	return b.String()
}
