package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"optbot/internal/domain"
	"optbot/internal/ledger"
	"optbot/internal/store"
)

// LedgerServiceName is the fully qualified gRPC service name.
const LedgerServiceName = "optbot.v1.Ledger"

// LedgerServer is the gRPC reporting surface. Requests and responses are
// google.protobuf.Struct messages carrying the same JSON shapes as the REST
// API.
type LedgerServer interface {
	ListPositions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTrades(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ClosePosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StartBot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StopBot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTickers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	UpsertTicker(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	DeleteTicker(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StreamEvents(req *structpb.Struct, stream grpc.ServerStream) error
}

// Compile-time interface check.
var _ LedgerServer = (*LedgerService)(nil)

// LedgerService implements LedgerServer over the ledger, ticker store and
// engine.
type LedgerService struct {
	ledger   Ledger
	tickers  store.TickerStore
	trader   Trader
	defaults TickerDefaults
	now      func() time.Time
	log      *slog.Logger
}

// NewLedgerService creates the gRPC service. trader may be nil.
func NewLedgerService(l Ledger, tickers store.TickerStore, trader Trader, defaults TickerDefaults, log *slog.Logger) *LedgerService {
	if log == nil {
		log = slog.Default()
	}
	return &LedgerService{
		ledger:   l,
		tickers:  tickers,
		trader:   trader,
		defaults: defaults,
		now:      time.Now,
		log:      log,
	}
}

// RegisterGRPC registers the service on the given gRPC server instance.
func (s *LedgerService) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&ledgerServiceDesc, s)
}

// ListPositions accepts {status: open|closed|all, ticker} and returns
// {positions: [...]}.
func (s *LedgerService) ListPositions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter := domain.PositionFilter{Ticker: strings.ToUpper(stringField(req, "ticker"))}
	switch strings.ToLower(stringField(req, "status")) {
	case "", "open":
		filter.Status = domain.PositionOpen
	case "closed":
		filter.Status = domain.PositionClosed
	case "all":
	default:
		return nil, status.Error(codes.InvalidArgument, "status must be open, closed or all")
	}
	positions, err := s.ledger.ListPositions(ctx, filter)
	if err != nil {
		return nil, grpcError(err)
	}
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, newPositionView(p))
	}
	return encodeStruct(map[string]any{"positions": views})
}

// ListTrades accepts {filter: all|open|closed, ticker, limit} and returns
// {trades: [...]}.
func (s *LedgerService) ListTrades(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := ledger.ParseTradeFilter(stringField(req, "filter"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	trades, err := s.ledger.ListTrades(ctx, domain.TradeFilter{
		PositionStatus: st,
		Ticker:         strings.ToUpper(stringField(req, "ticker")),
		Limit:          int(numberField(req, "limit")),
	})
	if err != nil {
		return nil, grpcError(err)
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	return encodeStruct(map[string]any{"trades": trades})
}

// GetStats returns the ledger statistics.
func (s *LedgerService) GetStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.ledger.Stats(ctx, s.now())
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(stats)
}

// ClosePosition accepts {id, price?}. Without a price the position is sold
// through the broker.
func (s *LedgerService) ClosePosition(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	var price *float64
	if v, ok := req.GetFields()["price"]; ok {
		p := v.GetNumberValue()
		price = &p
	}
	pos, err := closePosition(ctx, s.ledger, s.trader, id, price, s.now())
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(newPositionView(*pos))
}

// GetStatus returns the engine status.
func (s *LedgerService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.trader == nil {
		return nil, grpcError(errNoTrader)
	}
	return encodeStruct(s.trader.Status(s.now()))
}

// StartBot resumes breakout evaluation and returns the engine status.
func (s *LedgerService) StartBot(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.setPaused(false)
}

// StopBot pauses new entries and returns the engine status. Open positions
// keep being marked.
func (s *LedgerService) StopBot(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.setPaused(true)
}

func (s *LedgerService) setPaused(paused bool) (*structpb.Struct, error) {
	st, err := setPaused(s.trader, paused, s.now())
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(st)
}

// ListTickers returns {tickers: [...]}.
func (s *LedgerService) ListTickers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	views, err := listTickerViews(ctx, s.ledger, s.tickers)
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(map[string]any{"tickers": views})
}

// UpsertTicker accepts a TickerRequest plus {create: bool}. Creating fails
// with AlreadyExists for a configured symbol; updating requires one.
func (s *LedgerService) UpsertTicker(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var tr TickerRequest
	if err := decodeStruct(req, &tr); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var (
		tc  *domain.TickerConfig
		err error
	)
	if req.GetFields()["create"].GetBoolValue() {
		tc, err = createTicker(ctx, s.tickers, s.defaults, tr)
	} else {
		tc, err = updateTicker(ctx, s.tickers, tr)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	return encodeStruct(tc)
}

// DeleteTicker accepts {symbol}.
func (s *LedgerService) DeleteTicker(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sym := strings.ToUpper(stringField(req, "symbol"))
	if err := s.tickers.DeleteTicker(ctx, sym); err != nil {
		return nil, grpcError(err)
	}
	return &structpb.Struct{}, nil
}

// StreamEvents streams ledger events until the client disconnects.
func (s *LedgerService) StreamEvents(_ *structpb.Struct, stream grpc.ServerStream) error {
	subID, ch := s.ledger.Subscribe(256)
	defer s.ledger.Unsubscribe(subID)

	s.log.Info("grpc client subscribed", "subID", subID)
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("grpc client disconnected", "subID", subID)
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := encodeStruct(evt)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Service descriptor
// ---------------------------------------------------------------------------

type unaryMethod func(s LedgerServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, m unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(LedgerServer)
			if interceptor == nil {
				return m(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + LedgerServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LedgerServer).StreamEvents(in, stream)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: LedgerServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListPositions", LedgerServer.ListPositions),
		unary("ListTrades", LedgerServer.ListTrades),
		unary("GetStats", LedgerServer.GetStats),
		unary("ClosePosition", LedgerServer.ClosePosition),
		unary("GetStatus", LedgerServer.GetStatus),
		unary("StartBot", LedgerServer.StartBot),
		unary("StopBot", LedgerServer.StopBot),
		unary("ListTickers", LedgerServer.ListTickers),
		unary("UpsertTicker", LedgerServer.UpsertTicker),
		unary("DeleteTicker", LedgerServer.DeleteTicker),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamEvents", Handler: streamEventsHandler, ServerStreams: true},
	},
	Metadata: "optbot/v1/ledger.proto",
}

// ---------------------------------------------------------------------------
// Struct helpers
// ---------------------------------------------------------------------------

// encodeStruct converts v to a Struct through its JSON form.
func encodeStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return s, nil
}

// decodeStruct fills v from the JSON form of s.
func decodeStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	return nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

// grpcError maps domain errors to gRPC status codes.
func grpcError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = codes.NotFound
	case domain.IsInvalidState(err):
		code = codes.FailedPrecondition
	case errors.Is(err, errTickerExists):
		code = codes.AlreadyExists
	case domain.IsOrderRejected(err), errors.Is(err, errNoTrader):
		code = codes.Unavailable
	case errors.Is(err, errInvalidTicker):
		code = codes.InvalidArgument
	}
	return status.Error(code, err.Error())
}
