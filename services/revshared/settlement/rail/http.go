package rail

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

	"github.com/holiman/uint256"

	"revshare/services/revshared/domain"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClient talks to the signing service that custodies the hot wallet.
//
//	POST {endpoint}/v1/wallets/{wallet}/transfers          {to, amount, memo}
//	GET  {endpoint}/v1/wallets/{wallet}/balance
//	GET  {endpoint}/v1/wallets/{wallet}/transfers?memo=...
type HTTPClient struct {
	endpoint string
	wallet   string
	token    string
	client   HTTPDoer
}

// NewHTTPClient constructs a client for the signing service. A nil client
// uses an http.Client with the supplied timeout.
func NewHTTPClient(endpoint, wallet, token string, timeout time.Duration, client HTTPDoer) (*HTTPClient, error) {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		return nil, fmt.Errorf("rail: endpoint required")
	}
	if _, err := url.Parse(ep); err != nil {
		return nil, fmt.Errorf("rail: parse endpoint: %w", err)
	}
	if strings.TrimSpace(wallet) == "" {
		wallet = "hot"
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{endpoint: ep, wallet: url.PathEscape(strings.TrimSpace(wallet)), token: strings.TrimSpace(token), client: client}, nil
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Memo   string `json:"memo"`
}

// SubmitTransfer implements Rail. 402 reports an exhausted hot wallet; other
// 4xx answers except 408 and 429 are permanent rejections; everything else
// is transient.
func (c *HTTPClient) SubmitTransfer(ctx context.Context, to string, amount *uint256.Int, memo string) (Transfer, error) {
	if amount == nil || amount.IsZero() {
		return Transfer{}, domain.Permanent(fmt.Errorf("%w: zero amount", ErrRejected))
	}
	body, err := json.Marshal(transferRequest{To: to, Amount: amount.Dec(), Memo: memo})
	if err != nil {
		return Transfer{}, err
	}
	var out Transfer
	if err := c.do(ctx, http.MethodPost, c.walletURL("/transfers"), body, &out); err != nil {
		return Transfer{}, err
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return Transfer{}, domain.Transient(fmt.Errorf("rail: response missing tx_hash"))
	}
	return out, nil
}

// Balance implements Rail.
func (c *HTTPClient) Balance(ctx context.Context) (*uint256.Int, error) {
	var out struct {
		Balance string `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, c.walletURL("/balance"), nil, &out); err != nil {
		return nil, err
	}
	balance, err := uint256.FromDecimal(strings.TrimSpace(out.Balance))
	if err != nil {
		return nil, fmt.Errorf("rail: parse balance %q: %w", out.Balance, err)
	}
	return balance, nil
}

// LookupTransfer implements TransferLookup.
func (c *HTTPClient) LookupTransfer(ctx context.Context, memo string) (Transfer, bool, error) {
	var out Transfer
	err := c.do(ctx, http.MethodGet, c.walletURL("/transfers?memo="+url.QueryEscape(memo)), nil, &out)
	if errors.Is(err, errNotFound) {
		return Transfer{}, false, nil
	}
	if err != nil {
		return Transfer{}, false, err
	}
	return out, strings.TrimSpace(out.TxHash) != "", nil
}

var errNotFound = errors.New("rail: not found")

func (c *HTTPClient) walletURL(suffix string) string {
	return c.endpoint + "/v1/wallets/" + c.wallet + suffix
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Transient(fmt.Errorf("rail: %s %s: %w", method, req.URL.Path, err))
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return errNotFound
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		cause := fmt.Errorf("rail: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusPaymentRequired {
			return domain.Transient(fmt.Errorf("%w: %w", domain.ErrInsufficientBalance, cause))
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return domain.Permanent(fmt.Errorf("%w: %w", ErrRejected, cause))
		}
		return domain.Transient(cause)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Transient(fmt.Errorf("rail: decode response: %w", err))
	}
	return nil
}
