package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/transfer"

	"github.com/example/field-dispatch/internal/models"
)

// StripeLedger pays technicians through Stripe Connect transfers to their
// connected account.
type StripeLedger struct{}

// NewStripeLedger initializes the stripe client with the given secret key.
func NewStripeLedger(apiKey string) *StripeLedger {
	stripe.Key = apiKey
	return &StripeLedger{}
}

// Post creates one transfer per job. The request id is the idempotency key
// so a retried posting never pays twice.
func (s *StripeLedger) Post(ctx context.Context, p models.Payout, account string) error {
	if account == "" {
		return ErrNoPayoutAccount
	}
	params := transferParams(p, account)
	params.Context = ctx
	_, err := transfer.New(params)
	return err
}

func transferParams(p models.Payout, account string) *stripe.TransferParams {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(p.Currency),
		Destination:   stripe.String(account),
		TransferGroup: stripe.String(p.RequestID),
	}
	params.SetIdempotencyKey("payout-" + p.RequestID)
	params.AddMetadata("request_id", p.RequestID)
	params.AddMetadata("technician_id", p.TechnicianID)
	return params
}
