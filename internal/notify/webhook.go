package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

// WebhookDispatcher posts every notification to one provider endpoint that
// fans out to SMS or push on its side.
type WebhookDispatcher struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookDispatcher(endpoint string) *WebhookDispatcher {
	return &WebhookDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookDispatcher) NotifyOffer(ctx context.Context, n OfferNotice) error {
	return w.post(ctx, map[string]interface{}{
		"type":      TypeOffer,
		"recipient": n.Offer.TechnicianID,
		"state":     offerStatusLabel(n.Offer.Status),
		"payload":   n,
	})
}

func (w *WebhookDispatcher) NotifyRequester(ctx context.Context, n StatusNotice) error {
	return w.post(ctx, map[string]interface{}{
		"type":      TypeRequestStatus,
		"recipient": n.RequesterID,
		"payload":   n,
	})
}

func (w *WebhookDispatcher) post(ctx context.Context, body map[string]interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// offerStatusLabel is used by the webhook to flag withdrawn offers.
func offerStatusLabel(s models.OfferStatus) string {
	if s == models.OfferOffered {
		return "offered"
	}
	return "withdrawn"
}
