package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMDispatcher posts JSON to an FCM HTTP v1 endpoint with a bearer key.
// Tokens resolves a participant id to its device token.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Tokens   func(id string) string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string, tokens func(string) string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Tokens: tokens, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) NotifyOffer(ctx context.Context, n OfferNotice) error {
	data := map[string]string{
		"type":       TypeOffer,
		"offer_id":   n.Offer.ID,
		"request_id": n.Offer.RequestID,
		"status":     string(n.Offer.Status),
		"deadline":   n.Offer.Deadline.Format(time.RFC3339),
	}
	return f.push(ctx, n.Offer.TechnicianID, data)
}

func (f *FCMDispatcher) NotifyRequester(ctx context.Context, n StatusNotice) error {
	data := map[string]string{
		"type":       TypeRequestStatus,
		"request_id": n.RequestID,
		"status":     string(n.Status),
		"marker":     n.Marker,
	}
	return f.push(ctx, n.RequesterID, data)
}

func (f *FCMDispatcher) push(ctx context.Context, id string, data map[string]string) error {
	token := ""
	if f.Tokens != nil {
		token = f.Tokens(id)
	}
	if token == "" {
		return fmt.Errorf("fcm: no device token for %s", id)
	}
	body := map[string]interface{}{"message": map[string]interface{}{"token": token, "data": data}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm: status %d", resp.StatusCode)
	}
	return nil
}
