package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AuthorizeNetName            = "authorizenet"
	authorizeNetProductionURL   = "https://api.authorize.net/xml/v1/request.api"
	authorizeNetSandboxURL      = "https://apitest.authorize.net/xml/v1/request.api"
	authorizeNetIntentPrefix    = "anet_"
	authorizeNetProfileNotFound = "E00040"
	authorizeNetDuplicate       = "E00039"
)

var utf8BOM = []byte("\xef\xbb\xbf")

type AuthorizeNetConfig struct {
	LoginID        string
	TransactionKey string
	SignatureKey   string
	Endpoint       string
	Sandbox        bool
}

// AuthorizeNetClient charges tokenized cards. Intents never leave this
// process; the charge happens in ChargeToken.
type AuthorizeNetClient struct {
	config     AuthorizeNetConfig
	httpClient *http.Client
}

func NewAuthorizeNetClient(cfg AuthorizeNetConfig, httpClient *http.Client) *AuthorizeNetClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = authorizeNetProductionURL
		if cfg.Sandbox {
			cfg.Endpoint = authorizeNetSandboxURL
		}
	}
	return &AuthorizeNetClient{config: cfg, httpClient: httpClient}
}

func (a *AuthorizeNetClient) Name() string { return AuthorizeNetName }

func (a *AuthorizeNetClient) ProcessingFee(int64) int64 { return 0 }

type anetAuth struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type anetMessage struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

type anetMessages struct {
	ResultCode string        `json:"resultCode"`
	Message    []anetMessage `json:"message"`
}

func (m anetMessages) ok() bool { return m.ResultCode == "Ok" }

func (m anetMessages) first() anetMessage {
	if len(m.Message) == 0 {
		return anetMessage{}
	}
	return m.Message[0]
}

// Field order matters: the API validates JSON against its XML schema.
type anetTransactionRequest struct {
	TransactionType string        `json:"transactionType"`
	Amount          string        `json:"amount,omitempty"`
	Payment         *anetPayment  `json:"payment,omitempty"`
	RefTransID      string        `json:"refTransId,omitempty"`
	Order           *anetOrder    `json:"order,omitempty"`
	Customer        *anetCustomer `json:"customer,omitempty"`
}

type anetPayment struct {
	OpaqueData *anetOpaqueData `json:"opaqueData,omitempty"`
	CreditCard *anetCreditCard `json:"creditCard,omitempty"`
}

type anetOpaqueData struct {
	DataDescriptor string `json:"dataDescriptor"`
	DataValue      string `json:"dataValue"`
}

type anetCreditCard struct {
	CardNumber     string `json:"cardNumber"`
	ExpirationDate string `json:"expirationDate"`
}

type anetOrder struct {
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Description   string `json:"description,omitempty"`
}

type anetCustomer struct {
	Email string `json:"email,omitempty"`
}

type anetTransactionResponse struct {
	TransactionResponse struct {
		ResponseCode string `json:"responseCode"`
		TransID      string `json:"transId"`
		Errors       []struct {
			ErrorCode string `json:"errorCode"`
			ErrorText string `json:"errorText"`
		} `json:"errors"`
	} `json:"transactionResponse"`
	Messages anetMessages `json:"messages"`
}

type anetTransactionDetails struct {
	Transaction struct {
		TransID           string          `json:"transId"`
		SubmitTimeUTC     string          `json:"submitTimeUTC"`
		TransactionStatus string          `json:"transactionStatus"`
		AuthAmount        decimal.Decimal `json:"authAmount"`
		SettleAmount      decimal.Decimal `json:"settleAmount"`
		Payment           struct {
			CreditCard anetCreditCard `json:"creditCard"`
		} `json:"payment"`
	} `json:"transaction"`
	Messages anetMessages `json:"messages"`
}

func (a *AuthorizeNetClient) auth() anetAuth {
	return anetAuth{Name: a.config.LoginID, TransactionKey: a.config.TransactionKey}
}

func (a *AuthorizeNetClient) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request to authorize.net: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading authorize.net response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Gateway: AuthorizeNetName, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	// Responses are prefixed with a byte order mark.
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("error decoding authorize.net response: %w", err)
	}
	return nil
}

func (a *AuthorizeNetClient) apiError(m anetMessages) error {
	msg := m.first()
	return &APIError{Gateway: AuthorizeNetName, StatusCode: http.StatusOK, Code: msg.Code, Message: msg.Text}
}

// CreateIntent only mints a local id; invoice numbers are capped at 20 chars.
func (a *AuthorizeNetClient) CreateIntent(_ context.Context, req IntentRequest) (*Intent, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return &Intent{
		ID:          authorizeNetIntentPrefix + id[:20-len(authorizeNetIntentPrefix)],
		CustomerID:  req.CustomerID,
		AmountCents: req.AmountCents,
	}, nil
}

func (a *AuthorizeNetClient) GetOrCreateCustomer(ctx context.Context, email string) (string, error) {
	lookup := map[string]any{
		"getCustomerProfileRequest": struct {
			MerchantAuthentication anetAuth `json:"merchantAuthentication"`
			Email                  string   `json:"email"`
		}{a.auth(), email},
	}
	var found struct {
		Profile struct {
			CustomerProfileID string `json:"customerProfileId"`
		} `json:"profile"`
		Messages anetMessages `json:"messages"`
	}
	if err := a.post(ctx, lookup, &found); err != nil {
		return "", fmt.Errorf("failed to look up customer profile: %w", err)
	}
	if found.Messages.ok() {
		return found.Profile.CustomerProfileID, nil
	}
	if found.Messages.first().Code != authorizeNetProfileNotFound {
		return "", fmt.Errorf("failed to look up customer profile: %w", a.apiError(found.Messages))
	}

	type profile struct {
		Email string `json:"email"`
	}
	create := map[string]any{
		"createCustomerProfileRequest": struct {
			MerchantAuthentication anetAuth `json:"merchantAuthentication"`
			Profile                profile  `json:"profile"`
		}{a.auth(), profile{Email: email}},
	}
	var created struct {
		CustomerProfileID string       `json:"customerProfileId"`
		Messages          anetMessages `json:"messages"`
	}
	if err := a.post(ctx, create, &created); err != nil {
		return "", fmt.Errorf("failed to create customer profile: %w", err)
	}
	if !created.Messages.ok() && created.Messages.first().Code != authorizeNetDuplicate {
		return "", fmt.Errorf("failed to create customer profile: %w", a.apiError(created.Messages))
	}
	return created.CustomerProfileID, nil
}

func (a *AuthorizeNetClient) transact(ctx context.Context, refID string, tr anetTransactionRequest) (string, error) {
	payload := map[string]any{
		"createTransactionRequest": struct {
			MerchantAuthentication anetAuth               `json:"merchantAuthentication"`
			RefID                  string                 `json:"refId,omitempty"`
			TransactionRequest     anetTransactionRequest `json:"transactionRequest"`
		}{a.auth(), refID, tr},
	}
	var resp anetTransactionResponse
	if err := a.post(ctx, payload, &resp); err != nil {
		return "", err
	}

	txr := resp.TransactionResponse
	switch txr.ResponseCode {
	case "1":
		return txr.TransID, nil
	case "2":
		return "", ErrDeclined
	}
	if len(txr.Errors) > 0 {
		return "", &APIError{Gateway: AuthorizeNetName, StatusCode: http.StatusOK, Code: txr.Errors[0].ErrorCode, Message: txr.Errors[0].ErrorText}
	}
	return "", a.apiError(resp.Messages)
}

func (a *AuthorizeNetClient) ChargeToken(ctx context.Context, charge TokenCharge) (*Confirmation, error) {
	tr := anetTransactionRequest{
		TransactionType: "authCaptureTransaction",
		Amount:          centsToDecimal(charge.AmountCents),
		Payment: &anetPayment{OpaqueData: &anetOpaqueData{
			DataDescriptor: charge.DataDescriptor,
			DataValue:      charge.DataValue,
		}},
		Order: &anetOrder{InvoiceNumber: charge.IntentID, Description: truncate(charge.Description, 255)},
	}
	if charge.Email != "" {
		tr.Customer = &anetCustomer{Email: charge.Email}
	}
	transID, err := a.transact(ctx, "", tr)
	if err != nil {
		return nil, fmt.Errorf("failed to charge card: %w", err)
	}
	return &Confirmation{IntentID: charge.IntentID, ChargeID: transID, AmountCaptured: charge.AmountCents}, nil
}

func (a *AuthorizeNetClient) details(ctx context.Context, transID string) (*anetTransactionDetails, error) {
	payload := map[string]any{
		"getTransactionDetailsRequest": struct {
			MerchantAuthentication anetAuth `json:"merchantAuthentication"`
			TransID                string   `json:"transId"`
		}{a.auth(), transID},
	}
	var out anetTransactionDetails
	if err := a.post(ctx, payload, &out); err != nil {
		return nil, err
	}
	if !out.Messages.ok() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, out.Messages.first().Text)
	}
	return &out, nil
}

func (a *AuthorizeNetClient) GetCharge(ctx context.Context, ref ChargeRef) (*Charge, error) {
	if ref.ChargeID == "" {
		return nil, fmt.Errorf("%w: authorize.net charges are looked up by transaction id", ErrUnsupported)
	}
	d, err := a.details(ctx, ref.ChargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction details: %w", err)
	}
	submitted := parseSubmitTime(d.Transaction.SubmitTimeUTC)
	return &Charge{
		ID:              d.Transaction.TransID,
		State:           authorizeNetState(d.Transaction.TransactionStatus),
		AuthorizedCents: decimalToCents(d.Transaction.AuthAmount),
		SettledCents:    decimalToCents(d.Transaction.SettleAmount),
		SubmittedAt:     submitted,
	}, nil
}

func authorizeNetState(status string) SettlementState {
	switch status {
	case "settledSuccessfully":
		return StateSettled
	case "capturedPendingSettlement", "authorizedPendingCapture":
		return StatePendingSettlement
	case "FDSPendingReview", "FDSAuthorizedPendingReview", "underReview":
		return StatePending
	default:
		return StateInvalid
	}
}

// Refund needs the masked card number of the original transaction.
func (a *AuthorizeNetClient) Refund(ctx context.Context, ref ChargeRef, amountCents int64, idempotencyKey string) (*RefundResult, error) {
	d, err := a.details(ctx, ref.ChargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction details: %w", err)
	}
	card := d.Transaction.Payment.CreditCard
	tr := anetTransactionRequest{
		TransactionType: "refundTransaction",
		Amount:          centsToDecimal(amountCents),
		Payment:         &anetPayment{CreditCard: &anetCreditCard{CardNumber: card.CardNumber, ExpirationDate: "XXXX"}},
		RefTransID:      ref.ChargeID,
	}
	transID, err := a.transact(ctx, truncate(idempotencyKey, 20), tr)
	if err != nil {
		return nil, fmt.Errorf("failed to refund: %w", err)
	}
	return &RefundResult{ID: transID}, nil
}

func (a *AuthorizeNetClient) Void(ctx context.Context, ref ChargeRef, idempotencyKey string) error {
	tr := anetTransactionRequest{TransactionType: "voidTransaction", RefTransID: ref.ChargeID}
	if _, err := a.transact(ctx, truncate(idempotencyKey, 20), tr); err != nil {
		return fmt.Errorf("failed to void: %w", err)
	}
	return nil
}

// IntentStatus is unsupported: intents are local and confirmed synchronously by ChargeToken.
func (a *AuthorizeNetClient) IntentStatus(context.Context, string) (*Confirmation, error) {
	return nil, ErrUnsupported
}

func (a *AuthorizeNetClient) VerifyWebhook(header http.Header, body []byte) error {
	return verifyAuthorizeNetSignature(header.Get("X-ANET-Signature"), body, a.config.SignatureKey)
}

type anetWebhook struct {
	NotificationID string `json:"notificationId"`
	EventType      string `json:"eventType"`
	Payload        struct {
		ResponseCode  int             `json:"responseCode"`
		AuthAmount    decimal.Decimal `json:"authAmount"`
		ID            string          `json:"id"`
		InvoiceNumber string          `json:"invoiceNumber"`
	} `json:"payload"`
}

func (a *AuthorizeNetClient) ParseConfirmation(body []byte) (*Confirmation, error) {
	var hook anetWebhook
	if err := json.Unmarshal(bytes.TrimPrefix(body, utf8BOM), &hook); err != nil {
		return nil, fmt.Errorf("error decoding authorize.net webhook: %w", err)
	}
	if hook.EventType != "net.authorize.payment.authcapture.created" || hook.Payload.ResponseCode != 1 {
		return nil, nil
	}
	if !strings.HasPrefix(hook.Payload.InvoiceNumber, authorizeNetIntentPrefix) {
		return nil, nil
	}
	return &Confirmation{
		IntentID:       hook.Payload.InvoiceNumber,
		ChargeID:       hook.Payload.ID,
		AmountCaptured: decimalToCents(hook.Payload.AuthAmount),
	}, nil
}

// parseSubmitTime accepts timestamps with or without a zone suffix; both are UTC.
func parseSubmitTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	t, _ := time.ParseInLocation("2006-01-02T15:04:05.999999999", s, time.UTC)
	return t
}

func centsToDecimal(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

func decimalToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
