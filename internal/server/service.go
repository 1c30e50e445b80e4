package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"DeFiLedger/internal/ingestion"
	"DeFiLedger/internal/ledger"
	"DeFiLedger/internal/observability"
	"DeFiLedger/internal/persistence"
	"DeFiLedger/internal/query"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const queryServiceName = "defiledger.query.v1.QueryService"

// Request messages of the query service.
type (
	GetMarketRequest struct {
		MarketID string `json:"market_id"`
	}
	GetMarketSnapshotRequest struct {
		MarketID string `json:"market_id"`
		CausalID string `json:"causal_id"`
	}
	// GetPositionRequest selects the latest slot when Counter is zero.
	GetPositionRequest struct {
		Account  string `json:"account"`
		MarketID string `json:"market_id"`
		Type     string `json:"type"`
		Counter  uint64 `json:"counter,omitempty"`
	}
	GetPositionSnapshotRequest struct {
		PositionID     string `json:"position_id"`
		HistoryCounter uint64 `json:"history_counter"`
	}
	GetTransactionRequest struct {
		ID string `json:"id"`
	}
	GetPoolRequest struct {
		PoolID string `json:"pool_id"`
	}
	GetEventRequest struct {
		EventType      string `json:"event_type"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	VerifyIntegrityRequest struct{}
	InjectEventRequest     struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}
)

// QueryServiceServer is the server API of defiledger.query.v1.QueryService.
type QueryServiceServer interface {
	GetMarket(context.Context, *GetMarketRequest) (*query.MarketResponse, error)
	GetMarketSnapshot(context.Context, *GetMarketSnapshotRequest) (*query.MarketSnapshotResponse, error)
	GetPosition(context.Context, *GetPositionRequest) (*query.PositionResponse, error)
	GetPositionSnapshot(context.Context, *GetPositionSnapshotRequest) (*query.PositionSnapshotResponse, error)
	GetTransaction(context.Context, *GetTransactionRequest) (*query.TransactionResponse, error)
	GetPool(context.Context, *GetPoolRequest) (*query.PoolResponse, error)
	GetEvent(context.Context, *GetEventRequest) (*query.EventResponse, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	InjectEvent(context.Context, *InjectEventRequest) (*ingestion.InjectResult, error)
}

// unaryMethod adapts a typed method to a grpc.MethodDesc.
func unaryMethod[Req, Resp any](name string, call func(QueryServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + queryServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueryServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(QueryServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// QueryServiceDesc describes the service without generated protobuf code;
// messages travel with the JSON codec.
var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*QueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetMarket", QueryServiceServer.GetMarket),
		unaryMethod("GetMarketSnapshot", QueryServiceServer.GetMarketSnapshot),
		unaryMethod("GetPosition", QueryServiceServer.GetPosition),
		unaryMethod("GetPositionSnapshot", QueryServiceServer.GetPositionSnapshot),
		unaryMethod("GetTransaction", QueryServiceServer.GetTransaction),
		unaryMethod("GetPool", QueryServiceServer.GetPool),
		unaryMethod("GetEvent", QueryServiceServer.GetEvent),
		unaryMethod("VerifyIntegrity", QueryServiceServer.VerifyIntegrity),
		unaryMethod("InjectEvent", QueryServiceServer.InjectEvent),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "defiledger/query/v1/query.json",
}

// ============================================================================
// QueryService implementation
// ============================================================================

type queryServiceImpl struct {
	qs     *query.QueryService
	ingest *ingestion.GRPCIngestService
}

func (s *queryServiceImpl) GetMarket(ctx context.Context, req *GetMarketRequest) (*query.MarketResponse, error) {
	if req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id is required")
	}
	resp, err := s.qs.GetMarket(ctx, req.MarketID)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetMarketSnapshot(ctx context.Context, req *GetMarketSnapshotRequest) (*query.MarketSnapshotResponse, error) {
	if req.MarketID == "" || req.CausalID == "" {
		return nil, status.Error(codes.InvalidArgument, "market_id and causal_id are required")
	}
	resp, err := s.qs.GetMarketSnapshot(ctx, req.MarketID, req.CausalID)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetPosition(ctx context.Context, req *GetPositionRequest) (*query.PositionResponse, error) {
	if req.Account == "" || req.MarketID == "" {
		return nil, status.Error(codes.InvalidArgument, "account and market_id are required")
	}
	typ, err := ledger.ParsePositionType(req.Type)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid type: %v", err)
	}
	var resp *query.PositionResponse
	if req.Counter == 0 {
		resp, err = s.qs.GetPosition(ctx, req.Account, req.MarketID, typ)
	} else {
		resp, err = s.qs.GetPositionSlot(ctx, req.Account, req.MarketID, typ, req.Counter)
	}
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetPositionSnapshot(ctx context.Context, req *GetPositionSnapshotRequest) (*query.PositionSnapshotResponse, error) {
	if req.PositionID == "" {
		return nil, status.Error(codes.InvalidArgument, "position_id is required")
	}
	resp, err := s.qs.GetPositionSnapshot(ctx, req.PositionID, req.HistoryCounter)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetTransaction(ctx context.Context, req *GetTransactionRequest) (*query.TransactionResponse, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	resp, err := s.qs.GetTransaction(ctx, req.ID)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetPool(ctx context.Context, req *GetPoolRequest) (*query.PoolResponse, error) {
	if req.PoolID == "" {
		return nil, status.Error(codes.InvalidArgument, "pool_id is required")
	}
	resp, err := s.qs.GetPool(ctx, req.PoolID)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetEvent(ctx context.Context, req *GetEventRequest) (*query.EventResponse, error) {
	if req.EventType == "" || req.IdempotencyKey == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type and idempotency_key are required")
	}
	resp, err := s.qs.GetEvent(ctx, req.EventType, req.IdempotencyKey)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *queryServiceImpl) InjectEvent(ctx context.Context, req *InjectEventRequest) (*ingestion.InjectResult, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unimplemented, "event injection is disabled")
	}
	if req.EventType == "" {
		return nil, status.Error(codes.InvalidArgument, "event_type is required")
	}
	res, err := s.ingest.Inject(ctx, req.EventType, req.Payload)
	if err != nil {
		var perr *ingestion.PayloadError
		if errors.As(err, &perr) {
			return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
		}
		return nil, toStatus(err)
	}
	return res, nil
}

// toStatus maps store and ledger errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, ledger.ErrMarketNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Error(codes.Internal, err.Error())
	}
}

// metricsInterceptor records request count, latency and error codes.
func metricsInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if metrics != nil {
			endpoint := info.FullMethod
			code := status.Code(err)
			metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
			metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
			}
		}
		return resp, err
	}
}
