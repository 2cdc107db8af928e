package metacopier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultRESTURL   = "https://api.metacopier.io/rest/api/v1"
	DefaultStreamURL = "wss://api.metacopier.io/ws/api/v1"
)

var ErrMissingAPIKey = errors.New("metacopier api key is not set")

// StatusError is returned for non-2xx REST responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("metacopier: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Fetcher produces account snapshots.
type Fetcher interface {
	Snapshot(ctx context.Context) []models.Account
}

type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond throttles outbound calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	// PositionWorkers bounds concurrent position requests within a snapshot.
	PositionWorkers int
	HTTPClient      *http.Client
}

// Client is the MetaCopier REST client for one API key.
type Client struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
	limiter    *rate.Limiter
	workers    int
	logger     *logrus.Logger
}

func NewClient(auth Authenticator, opts ClientOptions, logger *logrus.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultRESTURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PositionWorkers <= 0 {
		opts.PositionWorkers = 4
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		auth:       auth,
		httpClient: httpClient,
		limiter:    limiter,
		workers:    opts.PositionWorkers,
		logger:     logger,
	}
}

type accountInformation struct {
	Currency         string   `json:"currency"`
	Balance          float64  `json:"balance"`
	Equity           float64  `json:"equity"`
	UsedMargin       float64  `json:"usedMargin"`
	FreeMargin       float64  `json:"freeMargin"`
	MarginLevel      *float64 `json:"marginLevel"`
	UnrealizedProfit float64  `json:"unrealizedProfit"`
	Leverage         *float64 `json:"leverage"`
	Connected        bool     `json:"connected"`
}

type account struct {
	ID                 string              `json:"id"`
	Alias              string              `json:"alias"`
	LoginServer        string              `json:"loginServer"`
	LoginAccountNumber json.RawMessage     `json:"loginAccountNumber"`
	ConnectionStatus   string              `json:"connectionStatus"`
	AccountInformation *accountInformation `json:"accountInformation"`
}

// ListAccounts fetches the raw account list and maps it onto view-models
// without positions.
func (c *Client) ListAccounts(ctx context.Context) ([]models.Account, error) {
	body, err := c.get(ctx, "/accounts")
	if err != nil {
		return nil, err
	}

	var raw []account
	if err := decodeList(body, "accounts", &raw); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	accounts := make([]models.Account, 0, len(raw))
	for _, a := range raw {
		accounts = append(accounts, toAccount(a))
	}
	return accounts, nil
}

// ListPositions fetches the open positions of one account.
func (c *Client) ListPositions(ctx context.Context, accountID string) ([]models.Position, error) {
	body, err := c.get(ctx, "/accounts/"+url.PathEscape(accountID)+"/positions")
	if err != nil {
		return nil, err
	}

	var raw []map[string]json.RawMessage
	if err := decodeList(body, "positions", &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	positions := make([]models.Position, 0, len(raw))
	for _, p := range raw {
		if p == nil {
			continue
		}
		positions = append(positions, NormalizePosition(p))
	}
	return positions, nil
}

// Snapshot returns every account with the positions of the connected ones.
// Failures are logged and degrade to an empty list; positions failing for a
// single account leave that account with no positions.
func (c *Client) Snapshot(ctx context.Context) []models.Account {
	accounts, err := c.ListAccounts(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to fetch MetaCopier accounts")
		return []models.Account{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range accounts {
		acc := &accounts[i]
		acc.Positions = []models.Position{}
		if acc.Status != models.AccountStatusConnected {
			continue
		}
		g.Go(func() error {
			positions, err := c.ListPositions(gctx, acc.ID)
			if err != nil {
				c.logger.WithError(err).WithField("account_id", acc.ID).Warn("Failed to fetch positions")
				return nil
			}
			acc.Positions = positions
			return nil
		})
	}
	_ = g.Wait()

	return accounts
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if err := c.auth.AddAuthHeaders(req); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// decodeList accepts either a bare array or an object wrapping it under key.
func decodeList(body []byte, key string, out interface{}) error {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(body, out)
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return err
	}
	raw, ok := wrapper[key]
	if !ok || isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func toAccount(a account) models.Account {
	acc := models.Account{
		ID:            a.ID,
		Name:          a.Alias,
		Broker:        brokerOf(a.LoginServer),
		Server:        a.LoginServer,
		AccountNumber: stringValue(a.LoginAccountNumber),
		Currency:      "USD",
		Status:        models.AccountStatusDisconnected,
		Leverage:      "1:unknown",
		Positions:     []models.Position{},
	}

	if info := a.AccountInformation; info != nil {
		if info.Currency != "" {
			acc.Currency = info.Currency
		}
		acc.Balance = info.Balance
		acc.Equity = info.Equity
		acc.Margin = info.UsedMargin
		acc.FreeMargin = info.FreeMargin
		acc.OpenPnL = info.UnrealizedProfit
		if info.MarginLevel != nil {
			acc.MarginLevel = *info.MarginLevel
		} else {
			acc.MarginLevel = models.MarginLevel(info.Equity, info.UsedMargin)
		}
		if info.Leverage != nil && *info.Leverage > 0 {
			acc.Leverage = fmt.Sprintf("1:%g", *info.Leverage)
		}
		if info.Connected {
			acc.Status = models.AccountStatusConnected
		}
	}

	if acc.Status != models.AccountStatusConnected && strings.EqualFold(a.ConnectionStatus, "CONNECTING") {
		acc.Status = models.AccountStatusPending
	}
	return acc
}

func brokerOf(loginServer string) string {
	if loginServer == "" {
		return "Unknown"
	}
	return strings.SplitN(loginServer, "-", 2)[0]
}
