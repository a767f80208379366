// Package exchange implements core.IExchangeGateway against a JSON venue
// bridge, plus a dry-run wrapper that never mutates remote state.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gridmaker/internal/core"
	apperrors "gridmaker/pkg/errors"
	gmhttp "gridmaker/pkg/http"
	"gridmaker/pkg/websocket"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Options configures a RemoteGateway
type Options struct {
	BaseURL        string
	StreamURL      string
	Mode           core.FillProcessingMode
	RequestTimeout time.Duration
	RateLimit      float64
	RateBurst      int

	// Asset ids mapping balances onto sides: buy orders spend quote,
	// sell orders spend base
	BaseAsset  string
	QuoteAsset string
}

type keyCtx struct{}

func withKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyCtx{}, key)
}

// keySigner signs mutating requests with HMAC-SHA256 of the account key
// carried in the request context
type keySigner struct{}

func (keySigner) SignRequest(req *http.Request) error {
	key, _ := req.Context().Value(keyCtx{}).(string)
	if key == "" {
		return nil
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(ts + req.Method + req.URL.RequestURI()))
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

// wire types
type orderDTO struct {
	ID    string          `json:"id"`
	Type  core.OrderType  `json:"type"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type balanceDTO struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
	Total decimal.Decimal `json:"total"`
}

type orderBody struct {
	Account        string          `json:"account"`
	Kind           string          `json:"kind,omitempty"`
	OrderID        string          `json:"orderId,omitempty"`
	Type           core.OrderType  `json:"type"`
	Price          decimal.Decimal `json:"price"`
	SellAmount     decimal.Decimal `json:"sellAmount"`
	SellAssetID    string          `json:"sellAssetId"`
	MinReceive     decimal.Decimal `json:"minReceive"`
	ReceiveAssetID string          `json:"receiveAssetId"`
}

type batchBody struct {
	Account    string      `json:"account"`
	Operations []orderBody `json:"operations"`
}

type batchResponse struct {
	Results []struct {
		OrderID string          `json:"orderId"`
		Fee     decimal.Decimal `json:"fee"`
	} `json:"results"`
}

type streamMessage struct {
	Type    string           `json:"type"`
	Account string           `json:"account"`
	Fills   []core.FillEvent `json:"fills"`
}

// RemoteGateway talks to the venue bridge over REST and receives fills on
// a websocket stream
type RemoteGateway struct {
	opts    Options
	client  *gmhttp.Client
	limiter *rate.Limiter
	logger  core.ILogger

	mu    sync.Mutex
	fills *websocket.Client
}

// NewRemoteGateway creates a gateway for one bot's asset pair
func NewRemoteGateway(opts Options, logger core.ILogger) *RemoteGateway {
	if opts.Mode == "" {
		opts.Mode = core.FillModeHistory
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &RemoteGateway{
		opts:    opts,
		client:  gmhttp.NewClient(strings.TrimRight(opts.BaseURL, "/"), opts.RequestTimeout, keySigner{}),
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.WithField("component", "remote_gateway"),
	}
}

func (g *RemoteGateway) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := g.client.Get(ctx, path, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (g *RemoteGateway) post(ctx context.Context, path string, in, out interface{}) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := g.client.Post(ctx, path, in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (g *RemoteGateway) CheckHealth(ctx context.Context) error {
	if err := g.get(ctx, "/health", nil, nil); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrVenueUnavailable, err)
	}
	return nil
}

func (g *RemoteGateway) ReadOpenOrders(ctx context.Context, account string) ([]core.RemoteOrder, error) {
	var dtos []orderDTO
	if err := g.get(ctx, "/accounts/"+url.PathEscape(account)+"/orders", nil, &dtos); err != nil {
		return nil, fmt.Errorf("failed to read open orders: %w", err)
	}
	orders := make([]core.RemoteOrder, len(dtos))
	for i, o := range dtos {
		orders[i] = core.RemoteOrder{ID: o.ID, Type: o.Type, Price: o.Price, Size: o.Size}
	}
	return orders, nil
}

func (g *RemoteGateway) ReadBalances(ctx context.Context, account string) (core.Balances, error) {
	var dtos []balanceDTO
	params := map[string]string{"assets": g.opts.BaseAsset + "," + g.opts.QuoteAsset}
	if err := g.get(ctx, "/accounts/"+url.PathEscape(account)+"/balances", params, &dtos); err != nil {
		return core.Balances{}, fmt.Errorf("failed to read balances: %w", err)
	}
	var b core.Balances
	for _, dto := range dtos {
		switch dto.Asset {
		case g.opts.QuoteAsset:
			b.Free.Buy, b.Total.Buy = dto.Free, dto.Total
		case g.opts.BaseAsset:
			b.Free.Sell, b.Total.Sell = dto.Free, dto.Total
		}
	}
	return b, nil
}

func (g *RemoteGateway) ReadFillHistory(ctx context.Context, account string, orderIDs []string) ([]core.FillEvent, error) {
	var fills []core.FillEvent
	params := map[string]string{}
	if len(orderIDs) > 0 {
		params["orders"] = strings.Join(orderIDs, ",")
	}
	if err := g.get(ctx, "/accounts/"+url.PathEscape(account)+"/fills", params, &fills); err != nil {
		return nil, fmt.Errorf("failed to read fill history: %w", err)
	}
	return fills, nil
}

func toBody(account, kind, orderID string, req core.OrderRequest) orderBody {
	return orderBody{
		Account:        account,
		Kind:           kind,
		OrderID:        orderID,
		Type:           req.Type,
		Price:          req.Price,
		SellAmount:     req.Size,
		SellAssetID:    req.SellAssetID,
		MinReceive:     req.MinReceive(),
		ReceiveAssetID: req.ReceiveAssetID,
	}
}

func (g *RemoteGateway) CreateOrder(ctx context.Context, account, key string, req core.OrderRequest) (string, error) {
	if key == "" {
		return "", apperrors.ErrMissingCredentials
	}
	var resp struct {
		OrderID string `json:"orderId"`
	}
	if err := g.post(withKey(ctx, key), "/orders", toBody(account, "", "", req), &resp); err != nil {
		return "", fmt.Errorf("failed to create order: %w", err)
	}
	if resp.OrderID == "" {
		return "", fmt.Errorf("venue returned no order id")
	}
	return resp.OrderID, nil
}

func (g *RemoteGateway) CancelOrder(ctx context.Context, account, key, orderID string) error {
	if key == "" {
		return apperrors.ErrMissingCredentials
	}
	ctx = withKey(ctx, key)
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := g.client.Delete(ctx, "/orders/"+url.PathEscape(orderID), map[string]string{"account": account})
	if err != nil {
		var apiErr *gmhttp.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, orderID)
		}
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

func (g *RemoteGateway) BuildCreateOrderOp(account string, req core.OrderRequest) (core.Operation, error) {
	if !req.Type.Valid() || !req.Size.IsPositive() || !req.Price.IsPositive() {
		return core.Operation{}, fmt.Errorf("invalid create request: %s %s@%s", req.Type, req.Size, req.Price)
	}
	return core.Operation{Kind: core.OpCreate, Account: account, Request: req}, nil
}

func (g *RemoteGateway) BuildUpdateOrderOp(account, orderID string, req core.OrderRequest) (core.Operation, error) {
	if orderID == "" {
		return core.Operation{}, fmt.Errorf("update requires an order id")
	}
	if !req.Size.IsPositive() || !req.Price.IsPositive() {
		return core.Operation{}, fmt.Errorf("invalid update request for %s: %s@%s", orderID, req.Size, req.Price)
	}
	return core.Operation{Kind: core.OpUpdate, Account: account, OrderID: orderID, Request: req}, nil
}

func (g *RemoteGateway) ExecuteBatch(ctx context.Context, account, key string, ops []core.Operation) ([]core.OperationResult, error) {
	if key == "" {
		return nil, apperrors.ErrMissingCredentials
	}
	body := batchBody{Account: account, Operations: make([]orderBody, len(ops))}
	for i, op := range ops {
		body.Operations[i] = toBody(op.Account, string(op.Kind), op.OrderID, op.Request)
	}
	var resp batchResponse
	if err := g.post(withKey(ctx, key), "/batch", body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrBatchRejected, err)
	}
	results := make([]core.OperationResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = core.OperationResult{OrderID: r.OrderID, Fee: r.Fee}
	}
	return results, nil
}

type streamRequest struct {
	Op      string `json:"op"`
	Account string `json:"account"`
}

// routeFills keys fill messages by account
func routeFills(message []byte) (string, bool) {
	var head struct {
		Type    string `json:"type"`
		Account string `json:"account"`
	}
	if err := json.Unmarshal(message, &head); err != nil || head.Type != "fills" {
		return "", false
	}
	return head.Account, true
}

// stream returns the gateway's shared fill stream, started on first use
func (g *RemoteGateway) stream() *websocket.Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fills == nil {
		g.fills = websocket.NewClient(websocket.DefaultConfig(g.opts.StreamURL), routeFills, g.logger)
		g.fills.Start()
	}
	return g.fills
}

// ListenForFills subscribes to the account's fills until ctx is done. The
// subscription survives reconnects.
func (g *RemoteGateway) ListenForFills(ctx context.Context, account string, callback func([]core.FillEvent)) error {
	if g.opts.StreamURL == "" {
		return fmt.Errorf("no stream url configured")
	}
	logger := g.logger.WithField("account", account)
	stream := g.stream()

	err := stream.Subscribe(account, streamRequest{Op: "subscribe", Account: account}, func(message []byte) {
		var msg streamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn("Undecodable fill message", "error", err)
			return
		}
		if len(msg.Fills) > 0 {
			callback(msg.Fills)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to fills: %w", err)
	}

	go func() {
		<-ctx.Done()
		stream.Unsubscribe(account, streamRequest{Op: "unsubscribe", Account: account})
	}()
	return nil
}

func (g *RemoteGateway) FillProcessingMode() core.FillProcessingMode {
	return g.opts.Mode
}

// Close stops the fill stream
func (g *RemoteGateway) Close() {
	g.mu.Lock()
	stream := g.fills
	g.fills = nil
	g.mu.Unlock()
	if stream != nil {
		stream.Stop()
	}
}
