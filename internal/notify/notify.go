// Package notify delivers offers to technicians and status changes to
// requesters. Delivery is best effort: the dispatch core treats a failed
// send the same as a silent technician.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/example/field-dispatch/internal/models"
)

const (
	TypeOffer         = "JOB_OFFER"
	TypeRequestStatus = "REQUEST_STATUS_UPDATE"
)

// Message is the envelope written to every transport.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// OfferNotice carries a new offer, or the withdrawal of one when
// Offer.Status is no longer OFFERED.
type OfferNotice struct {
	Offer models.JobOffer `json:"offer"`
	ETA   time.Duration   `json:"eta"`
}

type StatusNotice struct {
	RequestID    string               `json:"request_id"`
	RequesterID  string               `json:"requester_id"`
	Status       models.RequestStatus `json:"status"`
	Marker       string               `json:"marker,omitempty"`
	TechnicianID string               `json:"technician_id,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	At           time.Time            `json:"at"`
}

type Notifier interface {
	NotifyOffer(ctx context.Context, n OfferNotice) error
	NotifyRequester(ctx context.Context, n StatusNotice) error
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyOffer(ctx context.Context, n OfferNotice) error {
	var errs []error
	for _, x := range m {
		errs = append(errs, x.NotifyOffer(ctx, n))
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyRequester(ctx context.Context, n StatusNotice) error {
	var errs []error
	for _, x := range m {
		errs = append(errs, x.NotifyRequester(ctx, n))
	}
	return errors.Join(errs...)
}

// OffersOnly passes offers through and drops requester notices, for
// transports that only reach technician devices.
type OffersOnly struct{ Notifier }

func (OffersOnly) NotifyRequester(context.Context, StatusNotice) error { return nil }

// StatusOnly is the requester-side counterpart of OffersOnly.
type StatusOnly struct{ Notifier }

func (StatusOnly) NotifyOffer(context.Context, OfferNotice) error { return nil }

type Nop struct{}

func (Nop) NotifyOffer(context.Context, OfferNotice) error      { return nil }
func (Nop) NotifyRequester(context.Context, StatusNotice) error { return nil }
