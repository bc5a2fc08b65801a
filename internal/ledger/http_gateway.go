package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/hcoin-appointments/internal/coin"
	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

var ledgerTracer = otel.Tracer("hcoin.internal.ledger")

// HTTPGateway talks JSON to a settlement node.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

// HTTPOption customises an HTTPGateway.
type HTTPOption func(*HTTPGateway)

// WithHTTPClient overrides the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		if c != nil {
			g.httpClient = c
		}
	}
}

func NewHTTPGateway(baseURL, apiKey string, logger *logging.Logger, opts ...HTTPOption) *HTTPGateway {
	if logger == nil {
		logger = logging.Default()
	}
	g := &HTTPGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	ctx, span := ledgerTracer.Start(ctx, "ledger.transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.from", req.From),
		attribute.String("ledger.to", req.To),
		attribute.String("ledger.idempotency_key", req.IdempotencyKey),
	)

	if err := validateTransfer(req); err != nil {
		return nil, &Error{Op: "transfer", Err: err}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Op: "transfer", Err: fmt.Errorf("marshal: %w", err)}
	}

	var out Receipt
	if err := g.do(ctx, "transfer", http.MethodPost, "/v1/transfers", body, req.IdempotencyKey, &out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if out.TxRef == "" {
		return nil, &Error{Op: "transfer", Err: errors.New("response missing tx_ref")}
	}
	if out.Status == "" {
		out.Status = TxPending
	}
	g.logger.Info("ledger transfer submitted",
		"tx_ref", out.TxRef,
		"status", out.Status,
		"amount", out.ConfirmedAmount.Decimal(),
		"idempotency_key", req.IdempotencyKey,
	)
	return &out, nil
}

func (g *HTTPGateway) GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	ctx, span := ledgerTracer.Start(ctx, "ledger.status")
	defer span.End()
	span.SetAttributes(attribute.String("ledger.tx_ref", txRef))

	var out struct {
		Status TxStatus `json:"status"`
	}
	if err := g.do(ctx, "status", http.MethodGet, "/v1/transfers/"+url.PathEscape(txRef), nil, "", &out); err != nil {
		span.RecordError(err)
		return "", err
	}
	switch out.Status {
	case TxPending, TxConfirmed, TxFailed:
		return out.Status, nil
	default:
		return "", &Error{Op: "status", Err: fmt.Errorf("unrecognised status %q", out.Status)}
	}
}

func (g *HTTPGateway) BalanceOf(ctx context.Context, address string) (coin.Amount, error) {
	ctx, span := ledgerTracer.Start(ctx, "ledger.balance")
	defer span.End()

	var out struct {
		Balance coin.Amount `json:"balance"`
	}
	if err := g.do(ctx, "balance", http.MethodGet, "/v1/accounts/"+url.PathEscape(address)+"/balance", nil, "", &out); err != nil {
		span.RecordError(err)
		return 0, err
	}
	return out.Balance, nil
}

func (g *HTTPGateway) do(ctx context.Context, op, method, path string, body []byte, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("request: %w", err)}
	}
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return &Error{Op: op, Err: errors.Join(ErrTimeout, err)}
		}
		return &Error{Op: op, Err: fmt.Errorf("http: %w", err)}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusMultipleChoices {
		g.logger.Warn("ledger call failed",
			"op", op,
			"status", resp.StatusCode,
			"body", string(respBody),
		)
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: statusError(resp.StatusCode, respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func statusError(code int, body []byte) error {
	var parsed struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	switch code {
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, msg)
	case http.StatusUnprocessableEntity, http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrInvalidTransfer, msg)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	default:
		return errors.New(msg)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
