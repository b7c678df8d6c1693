// Package optbot is a Go client for the optbot-trader gRPC ledger service.
package optbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"optbot/internal/api"
	"optbot/internal/domain"
	"optbot/internal/engine"
	"optbot/internal/ledger"
)

// Client talks to an optbot-trader over gRPC.
type Client struct {
	addr string
	conn *grpc.ClientConn
}

// NewClient creates a client targeting the given gRPC address. The
// connection is established lazily on the first call.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ListPositions returns positions with status "open", "closed" or "all",
// optionally restricted to one ticker.
func (c *Client) ListPositions(ctx context.Context, status, ticker string) ([]api.PositionView, error) {
	var resp struct {
		Positions []api.PositionView `json:"positions"`
	}
	err := c.call(ctx, "ListPositions", map[string]any{"status": status, "ticker": ticker}, &resp)
	return resp.Positions, err
}

// ListTrades returns trades for filter "all", "open" or "closed", newest
// first. A zero limit uses the server default.
func (c *Client) ListTrades(ctx context.Context, filter, ticker string, limit int) ([]domain.Trade, error) {
	var resp struct {
		Trades []domain.Trade `json:"trades"`
	}
	err := c.call(ctx, "ListTrades", map[string]any{"filter": filter, "ticker": ticker, "limit": limit}, &resp)
	return resp.Trades, err
}

// Stats returns the ledger statistics.
func (c *Client) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	err := c.call(ctx, "GetStats", nil, &stats)
	return stats, err
}

// ClosePosition closes a position. With a nil price the trader sells
// through its broker; otherwise the close is booked at *price.
func (c *Client) ClosePosition(ctx context.Context, id string, price *float64) (*api.PositionView, error) {
	req := map[string]any{"id": id}
	if price != nil {
		req["price"] = *price
	}
	var pos api.PositionView
	if err := c.call(ctx, "ClosePosition", req, &pos); err != nil {
		return nil, err
	}
	return &pos, nil
}

// Status returns the engine status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.call(ctx, "GetStatus", nil, &st)
	return st, err
}

// StartBot resumes new entries on the trader.
func (c *Client) StartBot(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.call(ctx, "StartBot", nil, &st)
	return st, err
}

// StopBot pauses new entries; open positions keep being marked.
func (c *Client) StopBot(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.call(ctx, "StopBot", nil, &st)
	return st, err
}

// ListTickers returns every configured ticker with its open position count
// and P&L.
func (c *Client) ListTickers(ctx context.Context) ([]api.TickerView, error) {
	var resp struct {
		Tickers []api.TickerView `json:"tickers"`
	}
	err := c.call(ctx, "ListTickers", nil, &resp)
	return resp.Tickers, err
}

// AddTicker creates a ticker. Unset request fields take the server defaults.
func (c *Client) AddTicker(ctx context.Context, req api.TickerRequest) (*domain.TickerConfig, error) {
	return c.upsertTicker(ctx, req, true)
}

// UpdateTicker changes the set fields of an existing ticker.
func (c *Client) UpdateTicker(ctx context.Context, req api.TickerRequest) (*domain.TickerConfig, error) {
	return c.upsertTicker(ctx, req, false)
}

// SetTickerEnabled enables or disables a ticker.
func (c *Client) SetTickerEnabled(ctx context.Context, symbol string, enabled bool) (*domain.TickerConfig, error) {
	return c.UpdateTicker(ctx, api.TickerRequest{Symbol: symbol, Enabled: &enabled})
}

// DeleteTicker removes a ticker.
func (c *Client) DeleteTicker(ctx context.Context, symbol string) error {
	return c.call(ctx, "DeleteTicker", map[string]any{"symbol": symbol}, nil)
}

// StreamEvents delivers ledger events to fn until ctx is cancelled, the
// server ends the stream, or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, fn func(ledger.Event) error) error {
	desc := &grpc.StreamDesc{StreamName: "StreamEvents", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+api.LedgerServiceName+"/StreamEvents")
	if err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("starting stream: %w", err)
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receiving event: %w", err)
		}
		var evt ledger.Event
		if err := fromStruct(msg, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func (c *Client) upsertTicker(ctx context.Context, req api.TickerRequest, create bool) (*domain.TickerConfig, error) {
	m, err := toMap(req)
	if err != nil {
		return nil, err
	}
	m["create"] = create
	var tc domain.TickerConfig
	if err := c.call(ctx, "UpsertTicker", m, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// call invokes a unary method with req encoded as a Struct and decodes the
// response Struct into out. out may be nil.
func (c *Client) call(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("%s: encoding request: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+api.LedgerServiceName+"/"+method, in, resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func fromStruct(s *structpb.Struct, out any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
