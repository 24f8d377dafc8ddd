// Package httpapi exposes the order intake, saga inspection and realtime
// subscription endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"caravel/internal/messaging"
	"caravel/internal/observability"
	"caravel/internal/realtime"
	"caravel/internal/saga"
)

// Handler serves the public HTTP surface.
type Handler struct {
	coordinator *saga.Coordinator
	repo        saga.Repository
	hub         *realtime.Hub
	metrics     *observability.Metrics
	upgrader    websocket.Upgrader
	log         *slog.Logger
}

// NewHandler constructs the HTTP handler. hub may be nil when the realtime
// endpoint is disabled.
func NewHandler(coordinator *saga.Coordinator, repo saga.Repository, hub *realtime.Hub, metrics *observability.Metrics, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		coordinator: coordinator,
		repo:        repo,
		hub:         hub,
		metrics:     metrics,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:         log,
	}
}

// NewRouter builds the chi router over the handler.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/orders", h.CreateOrder)
	r.Get("/sagas/{id}", h.GetSaga)
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", observability.Handler(h.metrics))
	if h.hub != nil {
		r.Get("/ws", h.Subscribe)
	}
	return r
}

// CreateOrderRequest is the intake payload.
type CreateOrderRequest struct {
	CustomerID  uuid.UUID `json:"customer_id"`
	ProductID   uuid.UUID `json:"product_id"`
	Quantity    int       `json:"quantity"`
	TotalAmount float64   `json:"total_amount"`
}

// SagaResponse is the public view of a saga transaction.
type SagaResponse struct {
	SagaID      uuid.UUID  `json:"saga_id"`
	OrderID     uuid.UUID  `json:"order_id"`
	Status      string     `json:"status"`
	CurrentStep int        `json:"current_step"`
	Steps       []StepView `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepView is one step of the saga as reported to clients.
type StepView struct {
	Service string `json:"service"`
	Command string `json:"command"`
	Status  string `json:"status"`
}

// CreateOrder starts an order saga. The Idempotency-Key header deduplicates
// retried submissions: the same key always answers with the same saga.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "idempotency_key_required", "Idempotency-Key header is required")
		return
	}

	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.CustomerID == uuid.Nil || req.ProductID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "customer_id and product_id are required")
		return
	}
	if req.Quantity <= 0 || req.TotalAmount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "quantity and total_amount must be positive")
		return
	}

	order := messaging.OrderData{
		OrderID:     uuid.New(),
		CustomerID:  req.CustomerID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		TotalAmount: req.TotalAmount,
	}
	txn, created, err := h.coordinator.Create(r.Context(), key, order)
	if err != nil {
		h.log.Error("create saga failed", "error", err)
		writeError(w, http.StatusInternalServerError, "saga_create_failed", err.Error())
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusConflict
	}
	writeJSON(w, status, sagaResponse(txn))
}

// GetSaga reports the current state of one saga.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_saga_id", err.Error())
		return
	}
	txn, err := h.repo.Load(r.Context(), id)
	if errors.Is(err, saga.ErrNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_found", "")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "saga_load_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sagaResponse(txn))
}

// Health answers liveness probes.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Subscribe upgrades to a websocket fed with saga status transitions.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "error", err)
		return
	}
	h.hub.Register <- conn

	// Drain control frames; unregister when the peer goes away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.hub.Unregister <- conn
				return
			}
		}
	}()
}

func sagaResponse(txn *saga.Transaction) SagaResponse {
	order, _ := txn.OrderData()
	steps := make([]StepView, 0, len(txn.Steps))
	for _, step := range txn.Steps {
		steps = append(steps, StepView{
			Service: step.Service,
			Command: string(step.Command),
			Status:  string(step.Status),
		})
	}
	return SagaResponse{
		SagaID:      txn.ID,
		OrderID:     order.OrderID,
		Status:      string(txn.Status),
		CurrentStep: txn.CurrentStep,
		Steps:       steps,
		CreatedAt:   txn.CreatedAt,
		UpdatedAt:   txn.UpdatedAt,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}
