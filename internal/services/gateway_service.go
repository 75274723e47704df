// internal/services/gateway_service.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/javajoker/payguard/internal/config"
	"github.com/javajoker/payguard/internal/utils"
)

var (
	ErrMissingSignature = errors.New("webhook signature missing")
	ErrInvalidSignature = errors.New("webhook signature invalid")
)

type GatewayStatus string

const (
	GatewayStatusSucceeded GatewayStatus = "succeeded"
	GatewayStatusPending   GatewayStatus = "pending"
	GatewayStatusFailed    GatewayStatus = "failed"
)

// GatewayVerifier queries the external gateway for a transaction's current
// status. The call may be slow, may fail, and is never assumed side-effect
// free on retry; callers bound it with a context timeout.
type GatewayVerifier interface {
	VerifyStatus(ctx context.Context, externalReference string) (GatewayStatus, error)
}

type GatewayService struct {
	cfg *config.Config
}

func NewGatewayService(cfg *config.Config) *GatewayService {
	// Initialize Stripe
	stripe.Key = cfg.Payment.StripeSecretKey

	return &GatewayService{cfg: cfg}
}

// VerifyStatus fetches the PaymentIntent behind the external reference and
// maps the gateway's status onto the pipeline's three outcomes.
func (s *GatewayService) VerifyStatus(ctx context.Context, externalReference string) (GatewayStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := paymentintent.Get(externalReference, params)
	if err != nil {
		return "", fmt.Errorf("failed to verify gateway status: %w", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return GatewayStatusSucceeded, nil
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return GatewayStatusFailed, nil
	default:
		return GatewayStatusPending, nil
	}
}

// VerifySignature checks the provider signature over the raw callback body.
// Stripe callbacks use the SDK's signed-event verification; other providers
// fall back to an HMAC-SHA256 digest under the shared webhook secret.
func (s *GatewayService) VerifySignature(provider string, payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	switch provider {
	case "stripe":
		if s.cfg.Payment.StripeWebhookSecret == "" {
			return ErrInvalidSignature
		}
		if _, err := webhook.ConstructEvent(payload, signatureHeader, s.cfg.Payment.StripeWebhookSecret); err != nil {
			return ErrInvalidSignature
		}
		return nil
	default:
		if s.cfg.Payment.WebhookHMACSecret == "" {
			return ErrInvalidSignature
		}
		if !utils.VerifyHMAC(payload, s.cfg.Payment.WebhookHMACSecret, signatureHeader) {
			return ErrInvalidSignature
		}
		return nil
	}
}
