package config

import (
	"fmt"

	"github.com/yeremiapane/receipt-engine/gateway"
)

// NewGateway builds the configured payment gateway. It is chosen once at startup.
func NewGateway(c GatewayConfig) (gateway.PaymentGateway, error) {
	switch c.Name {
	case gateway.StripeName:
		return gateway.NewStripeClient(gateway.StripeConfig{
			SecretKey:      c.StripeSecretKey,
			WebhookSecret:  c.StripeWebhookSecret,
			Currency:       c.Currency,
			FeeBasisPoints: c.StripeFeeBasisPoints,
			FeeFixedCents:  c.StripeFeeFixedCents,
		}, nil), nil
	case gateway.AuthorizeNetName:
		return gateway.NewAuthorizeNetClient(gateway.AuthorizeNetConfig{
			LoginID:        c.AuthNetLoginID,
			TransactionKey: c.AuthNetTransactionKey,
			SignatureKey:   c.AuthNetSignatureKey,
			Sandbox:        c.AuthNetSandbox,
		}, nil), nil
	case gateway.MockName:
		return gateway.NewMock(), nil
	}
	return nil, fmt.Errorf("unknown payment gateway %q", c.Name)
}
