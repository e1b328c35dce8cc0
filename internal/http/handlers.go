package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/provider-dispatch/internal/availability"
	"github.com/example/provider-dispatch/internal/dispatch"
	"github.com/example/provider-dispatch/internal/ingest"
	"github.com/example/provider-dispatch/internal/models"
	"github.com/example/provider-dispatch/internal/offers"
	"github.com/example/provider-dispatch/internal/registry"
	"github.com/example/provider-dispatch/internal/search"
)

// Server is the HTTP/WS surface of the dispatch engine.
type Server struct {
	Scheduler *search.Scheduler
	Coord     *offers.Coordinator
	Tracker   *availability.Tracker
	Registry  *registry.Registry
	Kafka     *ingest.KafkaProducer // optional
	WSReg     *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(sched *search.Scheduler, coord *offers.Coordinator, tracker *availability.Tracker, reg *registry.Registry, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Scheduler: sched,
		Coord:     coord,
		Tracker:   tracker,
		Registry:  reg,
		Kafka:     kafka,
		WSReg:     wsreg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleCancelRequest).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/offers/{id}/accept", s.handleAcceptOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/offers/{id}/reject", s.handleRejectOffer).Methods("POST")
	s.mux.HandleFunc("/api/v1/providers/availability", s.handleSetAvailability).Methods("POST")
	s.mux.HandleFunc("/internal/providers/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/ws/providers/{provider_id}", s.handleProviderWS)
	s.mux.HandleFunc("/ws/requests/{request_id}", s.handleRequestWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	CustomerID  string                   `json:"customer_id"`
	Location    models.Coord             `json:"location"`
	Service     models.ServiceDescriptor `json:"service"`
	Constraints models.Constraints       `json:"constraints"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.Scheduler.StartSearch(r.Context(), search.CreateParams{
		CustomerID:  body.CustomerID,
		Location:    body.Location,
		Service:     body.Service,
		Constraints: body.Constraints,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"request_id": id})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.Scheduler.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "customer cancelled"
	}
	if err := s.Scheduler.CancelSearch(r.Context(), id, reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type offerActionBody struct {
	ProviderID string `json:"provider_id"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body offerActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Coord.Accept(r.Context(), id, body.ProviderID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejectOffer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body offerActionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Coord.Reject(r.Context(), id, body.ProviderID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setAvailabilityBody struct {
	ProviderID string               `json:"provider_id"`
	State      models.ProviderState `json:"state"`
	Location   *models.Coord        `json:"location,omitempty"`
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var body setAvailabilityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Tracker.SetAvailability(body.ProviderID, body.State, body.Location); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.ProviderHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.Tracker.ApplyHeartbeat(hb); err != nil {
		s.writeError(w, err)
		return
	}
	// fan the heartbeat out to kafka when configured; downstream
	// consumers keep shared redis geo state warm
	if s.Kafka != nil {
		if err := s.Kafka.PublishHeartbeat(hb); err != nil {
			s.logger.Warn("heartbeat publish failed", "provider_id", hb.ProviderID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleProviderWS attaches the provider's live session; the offer
// coordinator notifies this socket on every offer transition.
func (s *Server) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(providerID, conn)
}

// handleRequestWS streams request state updates to the customer until
// the socket closes or the request resolves.
func (s *Server) handleRequestWS(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	if _, ok := s.Registry.GetRequest(requestID); !ok {
		http.Error(w, "request not found", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	updates, cancel := s.Registry.RequestUpdates.Subscribe(requestID)
	defer cancel()
	defer conn.Close()

	// replay current state so the subscriber does not start blind
	if cur, ok := s.Registry.GetRequest(requestID); ok {
		if err := conn.WriteJSON(cur); err != nil {
			return
		}
	}
	for update := range updates {
		if err := conn.WriteJSON(update); err != nil {
			return
		}
		if update.State.Terminal() {
			return
		}
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case models.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
