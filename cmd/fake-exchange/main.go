// Command fake-exchange is an in-memory stand-in for the futures REST API,
// used for local runs and compose integration. It serves the same endpoints
// the production client consumes and applies reduce-only orders to its own
// position book so repeated checks observe shrinking sizes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

const maxBodyBytes = 16 << 10

var (
	addr = flag.String("addr", ":9090", "HTTP listen address")
	seed = flag.String("seed", "BTC_USDT=1.5@64000,ETH_USDT=-10@3200", "comma-separated contract=size@mark seed positions")
)

type book struct {
	mu        sync.Mutex
	sizes     map[string]decimal.Decimal
	marks     map[string]decimal.Decimal
	nextOrder int
	cancelled map[string]bool
}

type positionPayload struct {
	Contract string `json:"contract"`
	Size     string `json:"size"`
}

type orderRequest struct {
	Contract   string `json:"contract"`
	Size       string `json:"size"`
	ReduceOnly bool   `json:"reduceOnly"`
}

func main() {
	flag.Parse()

	b, err := newBook(*seed)
	if err != nil {
		log.Fatalf("parse seed: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/positions", b.handlePositions)
	mux.HandleFunc("/api/v1/price", b.handlePrice)
	mux.HandleFunc("/api/v1/orders", b.handlePlaceOrder)
	mux.HandleFunc("/api/v1/orders/", b.handleCancelOrder)

	log.Printf("listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, mux))
}

func newBook(seed string) (*book, error) {
	b := &book{
		sizes:     make(map[string]decimal.Decimal),
		marks:     make(map[string]decimal.Decimal),
		nextOrder: 1,
		cancelled: make(map[string]bool),
	}
	for _, entry := range strings.Split(seed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		contract, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("bad seed entry %q", entry)
		}
		sizeStr, markStr, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, fmt.Errorf("bad seed entry %q", entry)
		}
		size, err := decimal.NewFromString(sizeStr)
		if err != nil {
			return nil, err
		}
		mark, err := decimal.NewFromString(markStr)
		if err != nil {
			return nil, err
		}
		b.sizes[contract] = size
		b.marks[contract] = mark
	}
	return b, nil
}

func (b *book) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.mu.Lock()
	payload := make([]positionPayload, 0, len(b.sizes))
	for contract, size := range b.sizes {
		payload = append(payload, positionPayload{Contract: contract, Size: size.String()})
	}
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, payload)
}

func (b *book) handlePrice(w http.ResponseWriter, r *http.Request) {
	contract := r.URL.Query().Get("contract")
	b.mu.Lock()
	mark, ok := b.marks[contract]
	b.mu.Unlock()
	if !ok {
		http.Error(w, "unknown contract", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"price": mark.String()})
}

func (b *book) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	var req orderRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	size, err := decimal.NewFromString(req.Size)
	if err != nil {
		http.Error(w, "bad size", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.sizes[req.Contract]
	if !ok {
		http.Error(w, "unknown contract", http.StatusNotFound)
		return
	}
	if req.ReduceOnly && size.Sign() == current.Sign() {
		http.Error(w, "order would increase position", http.StatusBadRequest)
		return
	}
	b.sizes[req.Contract] = current.Add(size)
	orderID := "fake-" + strconv.Itoa(b.nextOrder)
	b.nextOrder++
	log.Printf("order placed order_id=%s contract=%s size=%s remaining=%s", orderID, req.Contract, size, b.sizes[req.Contract])
	writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID})
}

func (b *book) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	orderID := strings.TrimPrefix(r.URL.Path, "/api/v1/orders/")
	if orderID == "" {
		http.Error(w, "missing order id", http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	already := b.cancelled[orderID]
	b.cancelled[orderID] = true
	b.mu.Unlock()
	if already {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	log.Printf("order cancelled order_id=%s", orderID)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
