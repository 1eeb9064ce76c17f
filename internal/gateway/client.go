package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/ledger"

	"github.com/dgraph-io/ristretto"
	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	tokenPath  = "/api/Auth/RequestToken"
	orderPath  = "/api/Transactions/SubmitOrderRequest"
	statusPath = "/api/Transactions/GetTransactionStatus"

	tokenKey = "access_token"
)

// Payment status codes reported by GetTransactionStatus.
const (
	StatusCodeInvalid   = 0
	StatusCodeCompleted = 1
	StatusCodeFailed    = 2
	StatusCodeReversed  = 3
)

// ErrGateway is returned when the payment gateway rejects a request or
// cannot be reached.
var ErrGateway = errors.New("payment gateway error")

// ClientInterface defines the interface for the payment gateway client.
type ClientInterface interface {
	RequestToken(ctx context.Context) (string, error)
	SubmitOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error)
	GetTransactionStatus(ctx context.Context, trackingID string) (*TransactionStatus, error)
}

// RestClient is a client for the payment gateway REST API.
// It implements the ClientInterface.
type RestClient struct {
	client         *resty.Client
	consumerKey    string
	consumerSecret string
	tokenTTL       time.Duration
	tokens         *ristretto.Cache
	logger         *zap.Logger
	limiter        *rate.Limiter
	backoff        time.Duration
}

// ensure RestClient implements the interface
var _ ClientInterface = (*RestClient)(nil)

// NewRestClient creates a new payment gateway client.
func NewRestClient(cfg *config.Gateway, logger *zap.Logger) (*RestClient, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("%w: gateway credentials are not configured", ErrGateway)
	}

	tokens, err := newTokenCache()
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(30*time.Second).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal).
		SetHeader("Accept", "application/json")

	logger.Info("Using payment gateway", zap.String("base_url", cfg.BaseURL))

	return &RestClient{
		client:         client,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		tokenTTL:       cfg.TokenTTL,
		tokens:         tokens,
		logger:         logger,
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		backoff:        time.Second,
	}, nil
}

func newTokenCache() (*ristretto.Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100,
		MaxCost:     10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return cache, nil
}

// Close releases the token cache.
func (c *RestClient) Close() {
	c.tokens.Close()
}

// apiError is the error object the gateway embeds in otherwise successful
// responses.
type apiError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *apiError) err() error {
	if e == nil || (e.Code == "" && e.Message == "") {
		return nil
	}
	return fmt.Errorf("%w: %s %s: %s", ErrGateway, e.ErrorType, e.Code, e.Message)
}

type tokenResponse struct {
	Token      string    `json:"token"`
	ExpiryDate string    `json:"expiryDate"`
	Error      *apiError `json:"error"`
	Status     string    `json:"status"`
}

// RequestToken exchanges the consumer credentials for a bearer token. Tokens
// are cached until shortly before they expire.
func (c *RestClient) RequestToken(ctx context.Context) (string, error) {
	if v, ok := c.tokens.Get(tokenKey); ok {
		TokenCacheTotal.WithLabelValues("hit").Inc()
		return v.(string), nil
	}
	TokenCacheTotal.WithLabelValues("miss").Inc()

	req := c.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"consumer_key":    c.consumerKey,
			"consumer_secret": c.consumerSecret,
		}).
		SetResult(&tokenResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, tokenPath, req)
	if err != nil {
		c.logger.Error("Failed to request token", zap.Error(err))
		return "", fmt.Errorf("failed to request token: %w", err)
	}

	result := resp.Result().(*tokenResponse)
	if err := result.Error.err(); err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("failed to request token: %w: empty token", ErrGateway)
	}

	c.tokens.SetWithTTL(tokenKey, result.Token, 1, c.tokenTTL)
	c.tokens.Wait()
	return result.Token, nil
}

// BillingAddress identifies the payer.
type BillingAddress struct {
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

// OrderRequest is a checkout order submitted to the gateway.
type OrderRequest struct {
	ID             string         `json:"id"`
	Currency       string         `json:"currency"`
	Amount         float64        `json:"amount"`
	Description    string         `json:"description"`
	CallbackURL    string         `json:"callback_url"`
	NotificationID string         `json:"notification_id"`
	BillingAddress BillingAddress `json:"billing_address"`
}

// OrderResponse is the gateway's answer to a submitted order.
type OrderResponse struct {
	OrderTrackingID   string    `json:"order_tracking_id"`
	MerchantReference string    `json:"merchant_reference"`
	RedirectURL       string    `json:"redirect_url"`
	Error             *apiError `json:"error"`
	Status            string    `json:"status"`
}

// SubmitOrder creates a checkout order and returns the URL the payer has to
// be redirected to.
func (c *RestClient) SubmitOrder(ctx context.Context, order OrderRequest) (*OrderResponse, error) {
	token, err := c.RequestToken(ctx)
	if err != nil {
		return nil, err
	}

	req := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(order).
		SetResult(&OrderResponse{})

	resp, err := c.doRequest(ctx, http.MethodPost, orderPath, req)
	if err != nil {
		c.logger.Error("Failed to submit order after multiple attempts",
			zap.Error(err),
			zap.String("reference", order.ID),
		)
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}

	result := resp.Result().(*OrderResponse)
	if err := result.Error.err(); err != nil {
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}
	if result.OrderTrackingID == "" || result.RedirectURL == "" {
		return nil, fmt.Errorf("failed to submit order: %w: missing tracking id or redirect url", ErrGateway)
	}

	c.logger.Info("Submitted order",
		zap.String("reference", order.ID),
		zap.String("tracking_id", result.OrderTrackingID))
	return result, nil
}

// TransactionStatus is the payment state of a submitted order.
type TransactionStatus struct {
	PaymentMethod            string          `json:"payment_method"`
	Amount                   decimal.Decimal `json:"amount"`
	ConfirmationCode         string          `json:"confirmation_code"`
	PaymentStatusDescription string          `json:"payment_status_description"`
	Description              string          `json:"description"`
	StatusCode               int             `json:"status_code"`
	MerchantReference        string          `json:"merchant_reference"`
	Currency                 string          `json:"currency"`
	Error                    *apiError       `json:"error"`
	Status                   string          `json:"status"`
}

// LedgerStatus maps the gateway status code onto a transaction status.
func (s *TransactionStatus) LedgerStatus() ledger.Status {
	switch s.StatusCode {
	case StatusCodeCompleted:
		return ledger.StatusCompleted
	case StatusCodeFailed, StatusCodeReversed:
		return ledger.StatusFailed
	default:
		return ledger.StatusPending
	}
}

// GetTransactionStatus fetches the payment state of an order.
func (c *RestClient) GetTransactionStatus(ctx context.Context, trackingID string) (*TransactionStatus, error) {
	token, err := c.RequestToken(ctx)
	if err != nil {
		return nil, err
	}

	req := c.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("orderTrackingId", trackingID).
		SetResult(&TransactionStatus{})

	resp, err := c.doRequest(ctx, http.MethodGet, statusPath, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction status: %w", err)
	}

	result := resp.Result().(*TransactionStatus)
	if err := result.Error.err(); err != nil {
		return nil, fmt.Errorf("failed to get transaction status: %w", err)
	}
	return result, nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	start := time.Now()
	defer func() {
		RequestDuration.WithLabelValues(url).Observe(time.Since(start).Seconds())
	}()

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			RequestsTotal.WithLabelValues(url, "ok").Inc()
			return resp, nil
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			err = fmt.Errorf("%w: status %s: %s", ErrGateway, resp.Status(), resp.String())
		} else {
			// Network or other client-side errors
			shouldRetry = ctx.Err() == nil
			err = fmt.Errorf("%w: %w", ErrGateway, err)
		}

		if !shouldRetry {
			RequestsTotal.WithLabelValues(url, "error").Inc()
			return nil, err
		}

		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.backoff
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			RequestsTotal.WithLabelValues(url, "error").Inc()
			return nil, ctx.Err()
		}
	}

	RequestsTotal.WithLabelValues(url, "error").Inc()
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
