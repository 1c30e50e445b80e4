package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"DeFiLedger/internal/ingestion"
	"DeFiLedger/internal/observability"
	"DeFiLedger/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// maxInjectBody bounds admin injection payloads.
const maxInjectBody = 1 << 20

// GRPCServer wraps the gRPC server and the HTTP gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	impl          *queryServiceImpl
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the gRPC services.
type ServerDeps struct {
	QueryService *query.QueryService
	// IngestService enables InjectEvent when set.
	IngestService *ingestion.GRPCIngestService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics)))

	impl := &queryServiceImpl{qs: deps.QueryService, ingest: deps.IngestService}
	grpcServer.RegisterService(&QueryServiceDesc, impl)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(queryServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		impl:          impl,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status of the server and the query
// service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(queryServiceName, st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler returns the gateway routes plus the health endpoints. Routes
// call the service implementation in process, with the same validation and
// error codes as the gRPC methods.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{"GET", "/v1/markets/{market_id}", s.getMarket},
		{"GET", "/v1/markets/{market_id}/snapshots/{causal_id}", s.getMarketSnapshot},
		{"GET", "/v1/positions/{account}/{market_id}/{type}", s.getPosition},
		{"GET", "/v1/position-snapshots/{position_id}/{history_counter}", s.getPositionSnapshot},
		{"GET", "/v1/transactions/{id}", s.getTransaction},
		{"GET", "/v1/pools/{pool_id}", s.getPool},
		{"GET", "/v1/events/{event_type}/{idempotency_key}", s.getEvent},
		{"GET", "/v1/admin/integrity", s.verifyIntegrity},
		{"POST", "/v1/admin/events/{event_type}", s.injectEvent},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register route %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) getMarket(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.impl.GetMarket(r.Context(), &GetMarketRequest{MarketID: p["market_id"]})
	respond(w, resp, err)
}

func (s *GRPCServer) getMarketSnapshot(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.impl.GetMarketSnapshot(r.Context(), &GetMarketSnapshotRequest{
		MarketID: p["market_id"],
		CausalID: p["causal_id"],
	})
	respond(w, resp, err)
}

func (s *GRPCServer) getPosition(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req := &GetPositionRequest{Account: p["account"], MarketID: p["market_id"], Type: p["type"]}
	if c := r.URL.Query().Get("counter"); c != "" {
		counter, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			respond(w, nil, status.Errorf(codes.InvalidArgument, "invalid counter: %v", err))
			return
		}
		req.Counter = counter
	}
	resp, err := s.impl.GetPosition(r.Context(), req)
	respond(w, resp, err)
}

func (s *GRPCServer) getPositionSnapshot(w http.ResponseWriter, r *http.Request, p map[string]string) {
	hc, err := strconv.ParseUint(p["history_counter"], 10, 64)
	if err != nil {
		respond(w, nil, status.Errorf(codes.InvalidArgument, "invalid history_counter: %v", err))
		return
	}
	resp, err := s.impl.GetPositionSnapshot(r.Context(), &GetPositionSnapshotRequest{
		PositionID:     p["position_id"],
		HistoryCounter: hc,
	})
	respond(w, resp, err)
}

func (s *GRPCServer) getTransaction(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.impl.GetTransaction(r.Context(), &GetTransactionRequest{ID: p["id"]})
	respond(w, resp, err)
}

func (s *GRPCServer) getPool(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.impl.GetPool(r.Context(), &GetPoolRequest{PoolID: p["pool_id"]})
	respond(w, resp, err)
}

func (s *GRPCServer) getEvent(w http.ResponseWriter, r *http.Request, p map[string]string) {
	resp, err := s.impl.GetEvent(r.Context(), &GetEventRequest{
		EventType:      p["event_type"],
		IdempotencyKey: p["idempotency_key"],
	})
	respond(w, resp, err)
}

func (s *GRPCServer) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.impl.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	respond(w, resp, err)
}

func (s *GRPCServer) injectEvent(w http.ResponseWriter, r *http.Request, p map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInjectBody))
	if err != nil {
		respond(w, nil, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	resp, err := s.impl.InjectEvent(r.Context(), &InjectEventRequest{EventType: p["event_type"], Payload: body})
	respond(w, resp, err)
}

// respond writes resp as JSON, or the error with the HTTP status of its
// gRPC code.
func respond(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		st := status.Convert(err)
		writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
			"code":    st.Code().String(),
			"message": st.Message(),
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
