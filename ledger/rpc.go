package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNoTokenAccount = errors.New("no token account for mint")

// HTTPError is a non-2xx answer from the RPC node
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("rpc http %d: %s", e.StatusCode, e.Body)
}

type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type RPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     string          `json:"id"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// tokenAccounts is the jsonParsed shape of getTokenAccountsByOwner
type tokenAccounts struct {
	Value []struct {
		Pubkey  string `json:"pubkey"`
		Account struct {
			Data struct {
				Parsed struct {
					Info struct {
						Mint        string `json:"mint"`
						TokenAmount struct {
							Amount   string `json:"amount"`
							Decimals int    `json:"decimals"`
						} `json:"tokenAmount"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"account"`
	} `json:"value"`
}

// Client is a minimal read-only Solana JSON-RPC client
type Client struct {
	httpClient *http.Client
	rpcURL     string
}

func NewClient(rpcURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		rpcURL: rpcURL,
	}
}

func (c *Client) doRPCRequest(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	reqBody := RPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil, fmt.Errorf("rpc %s: empty result", method)
	}
	return rpcResp.Result, nil
}

// TokenBalance sums the raw amount of mint held by owner across its token accounts.
// ErrNoTokenAccount is returned when the owner has none.
func (c *Client) TokenBalance(ctx context.Context, owner, mint string) (decimal.Decimal, error) {
	params := []interface{}{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed"},
	}
	result, err := c.doRPCRequest(ctx, "getTokenAccountsByOwner", params)
	if err != nil {
		return decimal.Zero, err
	}

	var accounts tokenAccounts
	if err := json.Unmarshal(result, &accounts); err != nil {
		return decimal.Zero, fmt.Errorf("decoding token accounts: %w", err)
	}
	if len(accounts.Value) == 0 {
		return decimal.Zero, ErrNoTokenAccount
	}

	total := decimal.Zero
	for _, account := range accounts.Value {
		raw := account.Account.Data.Parsed.Info.TokenAmount.Amount
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("decoding amount of %s: %w", account.Pubkey, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}
