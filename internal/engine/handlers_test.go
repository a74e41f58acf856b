package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agirails/actp/internal/amount"
	"github.com/agirails/actp/internal/fees"
	"github.com/agirails/actp/internal/ledger"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *testEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := newTestEngine(t)
	handler := NewHandler(e.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	return r, e
}

func postJSON(t *testing.T, router *gin.Engine, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGetTransaction(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "100.00")

	w := postJSON(t, router, "/v1/transactions", gin.H{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"amount":   "25.00",
		"deadline": "24h",
		"metadata": gin.H{"service": "translation"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Transaction struct {
			ID        string `json:"id"`
			State     string `json:"state"`
			Amount    string `json:"amount"`
			Fee       string `json:"fee"`
			CanCancel bool   `json:"canCancel"`
		} `json:"transaction"`
	}
	json.Unmarshal(w.Body.Bytes(), &createResp)

	if createResp.Transaction.State != "CREATED" {
		t.Errorf("Expected state CREATED, got %s", createResp.Transaction.State)
	}
	if createResp.Transaction.Fee != "0.625000" {
		t.Errorf("Expected fee 0.625000, got %s", createResp.Transaction.Fee)
	}
	if !createResp.Transaction.CanCancel {
		t.Error("Expected canCancel on a fresh transaction")
	}

	// Fetch it back
	w2 := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/transactions/"+createResp.Transaction.ID, nil)
	router.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestHandler_CreateInsufficientBalance(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "10.00")

	w := postJSON(t, router, "/v1/transactions", gin.H{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"amount":   "25.00",
		"deadline": "24h",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error     string `json:"error"`
		Required  string `json:"required"`
		Available string `json:"available"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "insufficient_balance" {
		t.Errorf("Expected insufficient_balance, got %s", resp.Error)
	}
	if resp.Required != "25.625000" || resp.Available != "10.000000" {
		t.Errorf("Expected required/available amounts, got %s/%s", resp.Required, resp.Available)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, _ := setupTestRouter(t)

	// malformed address
	w := postJSON(t, router, "/v1/transactions", gin.H{
		"payer":    "not-an-address",
		"payee":    payeeAddr,
		"amount":   "25.00",
		"deadline": "24h",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad address, got %d", w.Code)
	}

	// unparseable deadline
	w = postJSON(t, router, "/v1/transactions", gin.H{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"amount":   "25.00",
		"deadline": "whenever",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad deadline, got %d", w.Code)
	}

	// missing fields
	w = postJSON(t, router, "/v1/transactions", gin.H{"payer": payerAddr})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing fields, got %d", w.Code)
	}
}

func TestHandler_DeliverUnauthorized(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	w := postJSON(t, router, "/v1/transactions/"+tx.ID+"/deliver", gin.H{
		"caller": payerAddr,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error string `json:"error"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "unauthorized" {
		t.Errorf("Expected unauthorized, got %s", resp.Error)
	}
}

func TestHandler_StateConflictDetails(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	// release before delivery
	w := postJSON(t, router, "/v1/transactions/"+tx.ID+"/release", gin.H{
		"caller": payerAddr,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error     string `json:"error"`
		Current   string `json:"current"`
		Attempted string `json:"attempted"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "state_conflict" {
		t.Errorf("Expected state_conflict, got %s", resp.Error)
	}
	if resp.Current != "CREATED" || resp.Attempted != "RELEASED" {
		t.Errorf("Expected CREATED/RELEASED, got %s/%s", resp.Current, resp.Attempted)
	}
}

func TestHandler_FullLifecycle(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	w := postJSON(t, router, "/v1/transactions/"+tx.ID+"/deliver", gin.H{
		"caller":   payeeAddr,
		"metadata": gin.H{"resultRef": "ipfs://abc", "resultHash": "0xdeadbeef"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Deliver: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var deliverResp struct {
		Transaction struct {
			State                   string `json:"state"`
			CanDispute              bool   `json:"canDispute"`
			TimeToAutoSettleSeconds *int64 `json:"timeToAutoSettleSeconds"`
		} `json:"transaction"`
	}
	json.Unmarshal(w.Body.Bytes(), &deliverResp)
	if deliverResp.Transaction.State != "DELIVERED" {
		t.Errorf("Expected DELIVERED, got %s", deliverResp.Transaction.State)
	}
	if !deliverResp.Transaction.CanDispute {
		t.Error("Expected canDispute while the window is open")
	}
	if deliverResp.Transaction.TimeToAutoSettleSeconds == nil {
		t.Error("Expected timeToAutoSettleSeconds while DELIVERED")
	}

	w = postJSON(t, router, "/v1/transactions/"+tx.ID+"/release", gin.H{
		"caller": payerAddr,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if available, _ := e.balance(t, payeeAddr); available != "25.000000" {
		t.Errorf("Expected payee paid, got %s", available)
	}
}

func TestHandler_ResolveBadOutcome(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "100.00")
	tx := e.create(t, "25.00")

	w := postJSON(t, router, "/v1/transactions/"+tx.ID+"/resolve", gin.H{
		"caller":  arbiterAddr,
		"outcome": "split",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_NotFound(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/transactions/tx_missing", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_ListTransactions(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "100.00")
	e.create(t, "10.00")
	e.clock.Advance(time.Second)
	e.create(t, "20.00")

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/accounts/"+payerAddr+"/transactions", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Count      int    `json:"count"`
		NextCursor string `json:"nextCursor"`
		HasMore    bool   `json:"hasMore"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("Expected 2 transactions, got %d", resp.Count)
	}
	if resp.HasMore {
		t.Error("Expected no further pages")
	}

	// Page through one at a time
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/"+payerAddr+"/transactions?limit=1", nil)
	router.ServeHTTP(w, req)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || !resp.HasMore || resp.NextCursor == "" {
		t.Fatalf("Expected first page with more to come, got %+v", resp)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/"+payerAddr+"/transactions?limit=1&cursor="+resp.NextCursor, nil)
	router.ServeHTTP(w, req)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.HasMore {
		t.Fatalf("Expected final page, got %+v", resp)
	}

	// garbage cursor rejected
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/"+payerAddr+"/transactions?cursor=%25%25", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad cursor, got %d", w.Code)
	}

	// malformed address parameter rejected by middleware
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/accounts/garbage/transactions", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad address param, got %d", w.Code)
	}
}

func TestHandler_MetadataTooLarge(t *testing.T) {
	router, e := setupTestRouter(t)
	e.mint(t, payerAddr, "100.00")

	big := bytes.Repeat([]byte("a"), 17*1024)
	w := postJSON(t, router, "/v1/transactions", gin.H{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"amount":   "25.00",
		"deadline": "24h",
		"metadata": gin.H{"blob": string(big)},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for oversized metadata, got %d", w.Code)
	}
}

func TestResolveDeadline(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{"24h", now.Add(24 * time.Hour), false},
		{"+24h", now.Add(24 * time.Hour), false},
		{"90m", now.Add(90 * time.Minute), false},
		{"2026-02-01T00:00:00Z", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), false},
		{"-1h", time.Time{}, true},
		{"whenever", time.Time{}, true},
		{"", time.Time{}, true},
	}
	for _, tc := range cases {
		got, err := resolveDeadline(tc.in, now)
		if tc.err {
			if err == nil {
				t.Errorf("resolveDeadline(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("resolveDeadline(%q): %v", tc.in, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("resolveDeadline(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// Keep the handler tests honest about which ledger types they exercise.
var _ LedgerService = (*ledger.Ledger)(nil)

func TestHandler_FeeConfigurationFlowsThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := newFakeClock()
	led := ledger.New(ledger.NewMemoryStore())

	// zero-rate calculator with no minimum
	calc := fees.NewCalculator(0, amount.MustParse("0"))
	svc := NewService(NewMemoryStore(), led, calc, platformAddr, arbiterAddr, time.Hour, logger).WithClock(clk)
	svc.AttachScheduler(NewScheduler(svc, clk, logger))

	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))

	if err := led.Mint(context.Background(), payerAddr, "50.00"); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	w := postJSON(t, r, "/v1/transactions", gin.H{
		"payer":    payerAddr,
		"payee":    payeeAddr,
		"amount":   "50.00",
		"deadline": "1h",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Transaction struct {
			Fee string `json:"fee"`
		} `json:"transaction"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Transaction.Fee != "0.000000" {
		t.Errorf("Expected zero fee, got %s", resp.Transaction.Fee)
	}
}
