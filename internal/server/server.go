package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"LendLedger/internal/observability"
	"LendLedger/internal/query"
	"LendLedger/internal/state"
)

// Server hosts the gRPC health/reflection endpoint and the HTTP/JSON query
// API. Queries are read-only; all mutations enter through the host process
// driving the core directly.
type Server struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	queryService  *query.QueryService
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
}

func New(grpcAddr, httpAddr string, qs *query.QueryService, hc *observability.HealthChecker, metrics *observability.Metrics) *Server {
	grpcServer := grpc.NewServer()

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		queryService:  qs,
		healthChecker: hc,
		metrics:       metrics,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON query API (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := http.NewServeMux()

	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/banks", s.instrument("list_banks", s.handleListBanks))
	mux.HandleFunc("/v1/banks/", s.instrument("get_bank", s.handleGetBank))
	mux.HandleFunc("/v1/accounts/", s.instrument("get_account", s.handleAccount))
	mux.HandleFunc("/v1/events", s.instrument("event_history", s.handleEvents))
	mux.HandleFunc("/v1/integrity", s.instrument("integrity", s.handleIntegrity))

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP query API listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		if s.metrics != nil {
			s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		}
	}
}

func (s *Server) handleListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := s.queryService.ListBanks()
	if err != nil {
		s.writeError(w, "list_banks", http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"banks": banks})
}

func (s *Server) handleGetBank(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/banks/")
	bankID, err := uuid.Parse(idStr)
	if err != nil {
		s.writeError(w, "get_bank", http.StatusBadRequest, fmt.Errorf("invalid bank id %q", idStr))
		return
	}
	bank, err := s.queryService.GetBank(bankID)
	if err != nil {
		s.writeError(w, "get_bank", http.StatusNotFound, err)
		return
	}
	writeJSON(w, bank)
}

// handleAccount serves /v1/accounts/{id} and /v1/accounts/{id}/health.
func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	parts := strings.Split(rest, "/")

	accountID, err := uuid.Parse(parts[0])
	if err != nil {
		s.writeError(w, "get_account", http.StatusBadRequest, fmt.Errorf("invalid account id %q", parts[0]))
		return
	}

	if len(parts) > 1 && parts[1] == "health" {
		req := state.RequirementMaintenance
		switch r.URL.Query().Get("requirement") {
		case "initial":
			req = state.RequirementInitial
		case "equity":
			req = state.RequirementEquity
		case "maintenance", "":
		default:
			s.writeError(w, "get_account", http.StatusBadRequest,
				fmt.Errorf("requirement must be initial, maintenance or equity"))
			return
		}
		resp, err := s.queryService.GetAccountHealth(accountID, req, time.Now())
		if err != nil {
			s.writeError(w, "get_account", http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, resp)
		return
	}

	account, err := s.queryService.GetAccount(accountID)
	if err != nil {
		s.writeError(w, "get_account", http.StatusNotFound, err)
		return
	}
	writeJSON(w, account)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := s.queryService.GetEventHistory(r.Context(), r.URL.Query().Get("mint"), limit)
	if err != nil {
		s.writeError(w, "event_history", http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]interface{}{"events": entries})
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, "integrity", http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, report)
}

func (s *Server) writeError(w http.ResponseWriter, endpoint string, code int, err error) {
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
