package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/schema"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// Delivery policy: 10s total per attempt, 3 attempts, exponential backoff.
const (
	deliveryTimeout = 10 * time.Second
	maxAttempts     = 3
	baseBackoff     = time.Second
)

// SignatureHeader carries the HMAC of the body when the subscription has a
// secret.
const SignatureHeader = "X-Webhook-Signature"

// payload is the outbound wire shape. Field order is part of the contract:
// canonical JSON {"event":...,"data":...,"timestamp":...}.
type payload struct {
	Event     protocol.Trigger `json:"event"`
	Data      map[string]any   `json:"data"`
	Timestamp string           `json:"timestamp"`
}

// EncodeBody builds the canonical JSON body for an event. Map values
// marshal with sorted keys, so identical events produce identical bytes.
func EncodeBody(ev bus.Event) ([]byte, error) {
	data := ev.Payload
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(payload{
		Event:     ev.Trigger,
		Data:      data,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// Sign computes the signature header value for body: "sha256=<hex hmac>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliverer posts events to subscription URLs. The HTTP client and backoff
// sleep are injectable for tests.
type deliverer struct {
	client *http.Client
	sleep  func(time.Duration)
	ctx    context.Context
}

func newDeliverer() *deliverer {
	return &deliverer{
		client: &http.Client{Timeout: deliveryTimeout},
		sleep:  time.Sleep,
		ctx:    context.Background(),
	}
}

func (d *deliverer) baseCtx() context.Context { return d.ctx }

// deliver posts ev to sub with retries and returns the outcome record. A
// delivery succeeds iff some attempt returns a status < 400.
func (d *deliverer) deliver(sub schema.WebhookSub, ev bus.Event) DeliveryRecord {
	rec := DeliveryRecord{
		ID:             "del_" + uuid.NewString()[:8],
		SubscriptionID: sub.ID,
		Event:          ev.Trigger,
		URL:            sub.URL,
		Timestamp:      time.Now().UTC(),
	}

	body, err := EncodeBody(ev)
	if err != nil {
		rec.Error = fmt.Sprintf("encode payload: %v", err)
		return rec
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		rec.Attempts = attempt + 1
		status, err := d.post(sub, body)
		rec.StatusCode = status
		if err == nil && status < 400 {
			rec.Success = true
			rec.Error = ""
			return rec
		}
		if err != nil {
			rec.Error = err.Error()
		} else {
			rec.Error = fmt.Sprintf("%v: status %d", schema.ErrDeliveryFailed, status)
		}
		d.sleep(baseBackoff << attempt) // 1s, 2s, 4s
	}
	return rec
}

func (d *deliverer) post(sub schema.WebhookSub, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(d.ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sub.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(sub.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
