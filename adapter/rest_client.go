// Package adapter contains the concrete implementations of the remote
// capabilities: a futures REST client and the ledger-backed stage executor.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradeguard/exchange"
)

const defaultQuote = "USDT"

// RestClient implements exchange.Client and exchange.PriceSource against a
// futures REST API.
type RestClient struct {
	baseURL string
	client  *http.Client
}

// NewRestClient builds a client with a bounded connect timeout. Per-request
// deadlines come from the caller's context.
func NewRestClient(baseURL string, connectTimeout time.Duration) (*RestClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext

	return &RestClient{
		baseURL: baseURL,
		client:  &http.Client{Transport: transport},
	}, nil
}

type positionPayload struct {
	Contract string `json:"contract"`
	Size     string `json:"size"`
}

type pricePayload struct {
	Price string `json:"price"`
}

type orderRequest struct {
	Contract   string `json:"contract"`
	Size       string `json:"size"`
	ReduceOnly bool   `json:"reduceOnly"`
}

type orderResponse struct {
	OrderID string `json:"orderId"`
}

// ListPositions fetches the authoritative remote position snapshot.
func (c *RestClient) ListPositions(ctx context.Context) ([]exchange.Position, error) {
	var payload []positionPayload
	if err := c.getJSON(ctx, c.baseURL+"/api/v1/positions", &payload); err != nil {
		return nil, err
	}
	positions := make([]exchange.Position, 0, len(payload))
	for _, item := range payload {
		size, err := decimal.NewFromString(item.Size)
		if err != nil {
			return nil, fmt.Errorf("parse position size for %s: %w", item.Contract, err)
		}
		positions = append(positions, exchange.Position{Contract: item.Contract, Size: size})
	}
	return positions, nil
}

// CancelOrder cancels a conditional order. Cancelling an id that no longer
// exists returns an error; callers treat that as expected and non-fatal.
func (c *RestClient) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := c.baseURL + "/api/v1/orders/" + url.PathEscape(orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("exchange cancel error order_id=%q error=%v", orderID, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("exchange cancel error order_id=%q status=%d", orderID, resp.StatusCode)
		return fmt.Errorf("cancel order %s: status %d", orderID, resp.StatusCode)
	}
	return nil
}

// NormalizeContract maps a local symbol to the remote contract identifier,
// e.g. "btc" or "BTC/USDT" become "BTC_USDT".
func (c *RestClient) NormalizeContract(symbol string) string {
	contract := strings.ToUpper(strings.TrimSpace(symbol))
	contract = strings.NewReplacer("/", "_", "-", "_").Replace(contract)
	if !strings.Contains(contract, "_") {
		contract = contract + "_" + defaultQuote
	}
	return contract
}

// MarkPrice fetches the current mark price for a symbol's contract.
func (c *RestClient) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contract := c.NormalizeContract(symbol)
	endpoint := c.baseURL + "/api/v1/price?contract=" + url.QueryEscape(contract)
	var payload pricePayload
	if err := c.getJSON(ctx, endpoint, &payload); err != nil {
		return decimal.Decimal{}, err
	}
	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse mark price for %s: %w", contract, err)
	}
	return price, nil
}

// PlaceReduceOrder submits a reduce-only market order that shrinks the
// position by size contracts. Returns the remote order id.
func (c *RestClient) PlaceReduceOrder(ctx context.Context, contract string, size decimal.Decimal) (string, error) {
	body, err := json.Marshal(orderRequest{
		Contract:   contract,
		Size:       size.String(),
		ReduceOnly: true,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("exchange order error contract=%q error=%v", contract, err)
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("exchange order error contract=%q status=%d", contract, resp.StatusCode)
		return "", fmt.Errorf("place reduce order for %s: status %d", contract, resp.StatusCode)
	}

	var payload orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	if payload.OrderID == "" {
		return "", errors.New("order response missing orderId")
	}
	return payload.OrderID, nil
}

func (c *RestClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("exchange request error url=%q error=%v", endpoint, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("exchange request error url=%q status=%d", endpoint, resp.StatusCode)
		return fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
