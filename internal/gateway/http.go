package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/uni-enroll-api/pkg/config"
	appErrors "github.com/noah-isme/uni-enroll-api/pkg/errors"
)

// HTTPAdapter issues real calls against the configured operator endpoints.
type HTTPAdapter struct {
	operators map[string]config.OperatorConfig
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPAdapter constructs an adapter bound to the configured operators.
func NewHTTPAdapter(cfg config.PaymentsConfig, logger *zap.Logger) *HTTPAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.GatewayTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPAdapter{
		operators: cfg.Operators,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

type initiatePayload struct {
	Phone     string `json:"phone"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type operatorResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// Initiate starts a payment with the operator.
func (a *HTTPAdapter) Initiate(ctx context.Context, operator, phone string, amount int64, reference string) (*InitiateResult, error) {
	op, err := a.operator(operator)
	if err != nil {
		return nil, err
	}

	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(initiatePayload{Phone: normalized, Amount: amount, Reference: reference})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode initiate payload")
	}

	raw, err := a.post(ctx, op, op.BaseURL+"/payments/initiate", body)
	if err != nil {
		return nil, err
	}

	var parsed operatorResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrGateway.Code, appErrors.ErrGateway.Status, "operator returned an unreadable response")
	}
	if parsed.TransactionID == "" {
		return nil, appErrors.Clone(appErrors.ErrGateway, "operator response missing transaction id")
	}

	return &InitiateResult{
		TransactionID: parsed.TransactionID,
		Status:        parsed.Status,
		Message:       parsed.Message,
		Raw:           raw,
	}, nil
}

// CheckStatus queries the operator for the state of a transaction.
func (a *HTTPAdapter) CheckStatus(ctx context.Context, transactionID, operator string) (*StatusResult, error) {
	op, err := a.operator(operator)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/payments/%s/status", op.BaseURL, transactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build status request")
	}
	req.Header.Set("Authorization", "Bearer "+op.APIKey)

	raw, err := a.do(req)
	if err != nil {
		return nil, err
	}

	var parsed operatorResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrGateway.Code, appErrors.ErrGateway.Status, "operator returned an unreadable response")
	}

	return &StatusResult{Status: parsed.Status, Message: parsed.Message, Raw: raw}, nil
}

func (a *HTTPAdapter) operator(name string) (config.OperatorConfig, error) {
	op, ok := a.operators[name]
	if !ok || !op.Enabled || op.BaseURL == "" {
		return config.OperatorConfig{}, appErrors.Clone(appErrors.ErrOperatorUnavailable, fmt.Sprintf("operator %q is not configured", name))
	}
	return op, nil
}

func (a *HTTPAdapter) post(ctx context.Context, op config.OperatorConfig, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build initiate request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+op.APIKey)
	return a.do(req)
}

func (a *HTTPAdapter) do(req *http.Request) ([]byte, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, appErrors.Wrap(err, appErrors.ErrGatewayTimeout.Code, appErrors.ErrGatewayTimeout.Status, appErrors.ErrGatewayTimeout.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrGateway.Code, appErrors.ErrGateway.Status, "operator call failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrGateway.Code, appErrors.ErrGateway.Status, "failed to read operator response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := fmt.Sprintf("operator responded with %d", resp.StatusCode)
		var parsed operatorResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Message != "" {
			message = parsed.Message
		}
		a.logger.Warn("operator error response", zap.Int("status", resp.StatusCode), zap.String("url", req.URL.Path))
		return nil, appErrors.Clone(appErrors.ErrGateway, message)
	}

	return raw, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
