package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"caravel/internal/outbox"
	"caravel/internal/saga"
)

func newTestServer(t *testing.T) (http.Handler, saga.Repository) {
	t.Helper()
	store := outbox.NewMemoryStore()
	repo := saga.NewMemoryRepository(store)
	coordinator := saga.NewCoordinator(repo, saga.CoordinatorConfig{}, nil, nil)
	handler := NewHandler(coordinator, repo, nil, nil, nil)
	return NewRouter(handler), repo
}

func createOrderBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(CreateOrderRequest{
		CustomerID:  uuid.New(),
		ProductID:   uuid.New(),
		Quantity:    2,
		TotalAmount: 80,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewBuffer(body)
}

func TestCreateOrder_Accepted(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/orders", createOrderBody(t))
	req.Header.Set("Idempotency-Key", "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body)
	}
	var resp SagaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(saga.StatusStarted) {
		t.Fatalf("status = %s, want started", resp.Status)
	}
	if len(resp.Steps) != len(saga.OrderSteps()) {
		t.Fatalf("steps = %d, want %d", len(resp.Steps), len(saga.OrderSteps()))
	}
}

func TestCreateOrder_DuplicateKeyConflictsWithSameSaga(t *testing.T) {
	router, _ := newTestServer(t)

	first := httptest.NewRequest(http.MethodPost, "/orders", createOrderBody(t))
	first.Header.Set("Idempotency-Key", "req-1")
	rec1 := httptest.NewRecorder()
	router.ServeHTTP(rec1, first)

	second := httptest.NewRequest(http.MethodPost, "/orders", createOrderBody(t))
	second.Header.Set("Idempotency-Key", "req-1")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, second)

	if rec2.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec2.Code, http.StatusConflict)
	}
	var resp1, resp2 SagaResponse
	if err := json.Unmarshal(rec1.Body.Bytes(), &resp1); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp2); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if resp1.SagaID != resp2.SagaID {
		t.Fatalf("duplicate request answered with a different saga: %s vs %s", resp1.SagaID, resp2.SagaID)
	}
}

func TestCreateOrder_MissingIdempotencyKey(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/orders", createOrderBody(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCreateOrder_RejectsBadQuantity(t *testing.T) {
	router, _ := newTestServer(t)

	body, _ := json.Marshal(CreateOrderRequest{CustomerID: uuid.New(), ProductID: uuid.New(), Quantity: 0, TotalAmount: 10})
	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewBuffer(body))
	req.Header.Set("Idempotency-Key", "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetSaga_RoundTrip(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/orders", createOrderBody(t))
	req.Header.Set("Idempotency-Key", "req-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var created SagaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}

	get := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/sagas/%s", created.SagaID), nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, get)

	if getRec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", getRec.Code, http.StatusOK)
	}
	var fetched SagaResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode get: %v", err)
	}
	if fetched.SagaID != created.SagaID || fetched.OrderID != created.OrderID {
		t.Fatalf("fetched = %+v, created = %+v", fetched, created)
	}
}

func TestGetSaga_NotFound(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sagas/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
