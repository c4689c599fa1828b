package funds

import (
	"context"
	"errors"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider moves funds between Stripe accounts. Custody accounts are
// Custom connected accounts held by the platform; transfers ride Stripe's
// own idempotency-key deduplication.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a provider using the given secret key.
func NewStripeProvider(apiKey string) *StripeProvider {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeProvider{api: api}
}

func (s *StripeProvider) Name() string { return "stripe" }

func (s *StripeProvider) CreateCustodyAccount(ctx context.Context, reference string) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeCustom)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
		Metadata: map[string]string{"escrow_ref": reference},
	}
	params.Context = ctx

	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", s.wrapErr(err)
	}
	return acct.ID, nil
}

func (s *StripeProvider) Transfer(ctx context.Context, source, destination string, amount int64, currency, idempotencyKey string) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destination),
		Metadata:    map[string]string{"source_account": source},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	t, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, s.wrapErr(err)
	}

	return &Transfer{
		Handle:   t.ID,
		Status:   TransferCompleted, // Stripe transfers settle synchronously
		Amount:   amount,
		Currency: currency,
	}, nil
}

func (s *StripeProvider) Status(ctx context.Context, handle string) (TransferStatus, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx

	t, err := s.api.Transfers.Get(handle, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return "", ErrTransferNotFound
		}
		return "", s.wrapErr(err)
	}
	if t.Reversed {
		return TransferFailed, nil
	}
	return TransferCompleted, nil
}

// wrapErr converts Stripe SDK errors to typed provider errors. Server-side
// and connectivity failures are retryable; card/validation errors are not.
func (s *StripeProvider) wrapErr(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return &ProviderError{
			Backend:   "stripe",
			Code:      string(serr.Code),
			Message:   serr.Msg,
			Retryable: serr.Type == stripe.ErrorTypeAPI || serr.HTTPStatusCode >= 500,
		}
	}
	return &ProviderError{
		Backend:   "stripe",
		Code:      "network_error",
		Message:   err.Error(),
		Retryable: true,
	}
}

// Compile-time assertion that StripeProvider implements Provider.
var _ Provider = (*StripeProvider)(nil)
