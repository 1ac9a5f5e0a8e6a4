// Command opsim is a standalone mobile-money operator simulator for local
// development. It speaks the same HTTP contract the gateway adapter expects
// (POST /payments/initiate, GET /payments/{id}/status) and, when configured
// with a callback URL, notifies the API once a transaction settles.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

type initiateRequest struct {
	Phone     string `json:"phone"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type transaction struct {
	ID        string    `json:"transaction_id"`
	Status    string    `json:"status"`
	Phone     string    `json:"phone"`
	Amount    int64     `json:"amount"`
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

type simulator struct {
	mu          sync.Mutex
	txns        map[string]*transaction
	rng         *rand.Rand
	successRate float64
	settleAfter time.Duration
	callbackURL string
	client      *http.Client
}

func main() {
	var (
		addr        string
		successRate float64
		settleAfter time.Duration
		callbackURL string
	)

	flag.StringVar(&addr, "addr", ":9090", "Listen address")
	flag.Float64Var(&successRate, "success-rate", 0.85, "Fraction of payments that succeed")
	flag.DurationVar(&settleAfter, "settle-after", 5*time.Second, "Delay before a payment settles")
	flag.StringVar(&callbackURL, "callback-url", "", "API callback endpoint to notify on settlement (optional)")
	flag.Parse()

	sim := &simulator{
		txns:        make(map[string]*transaction),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		successRate: successRate,
		settleAfter: settleAfter,
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 10 * time.Second},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/payments/initiate", sim.handleInitiate)
	mux.HandleFunc("/payments/", sim.handleStatus)

	log.Printf("opsim listening on %s (success-rate=%.2f settle-after=%s)", addr, successRate, settleAfter)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("opsim server failed: %v", err)
	}
}

func (s *simulator) handleInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.Phone == "" || req.Amount <= 0 {
		http.Error(w, "phone and positive amount are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	id := fmt.Sprintf("OP-%d-%04d", time.Now().UnixNano(), s.rng.Intn(10000))
	txn := &transaction{
		ID:        id,
		Status:    "PROCESSING",
		Phone:     req.Phone,
		Amount:    req.Amount,
		Reference: req.Reference,
		CreatedAt: time.Now(),
	}
	s.txns[id] = txn
	s.mu.Unlock()

	time.AfterFunc(s.settleAfter, func() { s.settle(id) })

	log.Printf("initiated %s phone=%s amount=%d", id, req.Phone, req.Amount)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(txn)
}

// handleStatus serves GET /payments/{id}/status.
func (s *simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/payments/")
	id = strings.TrimSuffix(id, "/status")

	s.mu.Lock()
	txn, ok := s.txns[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown transaction", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(txn)
}

func (s *simulator) settle(id string) {
	s.mu.Lock()
	txn, ok := s.txns[id]
	if !ok || txn.Status != "PROCESSING" {
		s.mu.Unlock()
		return
	}
	if s.rng.Float64() < s.successRate {
		txn.Status = "SUCCESS"
	} else {
		txn.Status = "FAILED"
	}
	status := txn.Status
	s.mu.Unlock()

	log.Printf("settled %s -> %s", id, status)
	if s.callbackURL != "" {
		s.notify(id, status)
	}
}

func (s *simulator) notify(id, status string) {
	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id": id,
		"status":         status,
		"operator":       "opsim",
	})
	if err != nil {
		log.Printf("marshal callback for %s: %v", id, err)
		return
	}
	resp, err := s.client.Post(s.callbackURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Printf("callback for %s failed: %v", id, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("callback for %s rejected with status %d", id, resp.StatusCode)
	}
}
