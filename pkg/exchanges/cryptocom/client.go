package cryptocom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"trading-guard/pkg/exchanges/common"
)

const (
	methodCreateOrder      = "private/create-order"
	methodCancelOrder      = "private/cancel-order"
	methodOpenOrders       = "private/get-open-orders"
	methodTriggerOrders    = "private/get-trigger-orders"
	methodOrderHistory     = "private/get-order-history"
	methodAccountSummary   = "private/user-balance"
	proxyPath              = "/proxy/private"
	requestID              = int64(1)
	defaultTimeout         = 10 * time.Second
	maxClientOrderIDLength = 36
)

// Normalizer quantizes order values to instrument ticks.
type Normalizer interface {
	NormalizeQuantity(ctx context.Context, symbol string, raw decimal.Decimal) (string, error)
	NormalizePrice(ctx context.Context, symbol string, raw decimal.Decimal, side common.Side, kind common.PriceKind) (string, error)
}

// ProbeObserver is told how each conditional placement's probe ended.
type ProbeObserver interface {
	ObserveProbe(orderType common.OrderType, attempts int, outcome string)
}

// Config holds client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	ProxyURL       string
	ProxyToken     string
	ProxyDefault   bool
	Timeout        time.Duration
	RPS            float64
	Burst          int
	ClientIDPrefix string
}

// Client talks to the private REST API, either signing requests itself or
// forwarding unsigned params to the local signing proxy.
type Client struct {
	cfg        Config
	httpClient *http.Client
	nonce      *common.NonceSource
	pacer      *common.Pacer
	norm       Normalizer
	variants   []Variant
	memo       *VariantMemo
	observer   ProbeObserver
	log        *logrus.Entry
}

// New builds a client. memo may be nil for an in-memory only memo.
func New(cfg Config, norm Normalizer, memo *VariantMemo) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.ProxyURL = strings.TrimRight(cfg.ProxyURL, "/")
	if memo == nil {
		memo = NewVariantMemo(nil)
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		nonce:      common.NewNonceSource(),
		pacer:      common.NewPacer(cfg.RPS, cfg.Burst),
		norm:       norm,
		variants:   BuildVariantTable(),
		memo:       memo,
		log:        logrus.WithField("component", "cryptocom"),
	}
}

// SetProbeObserver installs a metrics hook.
func (c *Client) SetProbeObserver(o ProbeObserver) { c.observer = o }

// ProxyConfigured reports whether a proxy route exists.
func (c *Client) ProxyConfigured() bool { return c.cfg.ProxyURL != "" }

// useProxy resolves the route for one call: the context override wins over
// the configured default.
func (c *Client) useProxy(ctx context.Context) bool {
	on, set := common.ProxyMode(ctx)
	if !set {
		on = c.cfg.ProxyDefault
	}
	return on && c.cfg.ProxyURL != ""
}

// NewClientOrderID returns a client_oid unique to this host.
func (c *Client) NewClientOrderID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if c.cfg.ClientIDPrefix != "" {
		id = c.cfg.ClientIDPrefix + "-" + id
	}
	if len(id) > maxClientOrderIDLength {
		id = id[:maxClientOrderIDLength]
	}
	return id
}

// resyncClock shifts future nonces by the server clock offset read from a
// nonce rejection. The rejected call is not retried.
func (c *Client) resyncClock(date string, local time.Time) {
	offset, ok := common.OffsetFromDate(date, local)
	if !ok {
		c.log.Warn("nonce rejected and server time unknown, clock left as is")
		return
	}
	c.nonce.SetOffset(offset)
	c.log.WithField("offset_ms", offset).Warn("nonce rejected, clock offset applied")
}

type envelope struct {
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type proxyRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// call executes one private method and returns the raw result.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, common.Route, error) {
	route := common.RouteDirect
	var (
		url  string
		body []byte
		err  error
	)
	if c.useProxy(ctx) {
		route = common.RouteProxy
		url = c.cfg.ProxyURL + proxyPath
		body, err = json.Marshal(proxyRequest{Method: method, Params: params})
	} else {
		signed := Sign(method, params, c.cfg.APIKey, c.cfg.APISecret, c.nonce.Next(), requestID)
		c.log.WithFields(signed.LogFields()).Debug("signed request")
		url = c.cfg.BaseURL + "/" + method
		body, err = json.Marshal(signed)
	}
	if err != nil {
		return nil, route, fmt.Errorf("%s: encode request: %w", method, err)
	}

	if err := c.pacer.Wait(ctx); err != nil {
		return nil, route, common.NetworkError(method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, route, fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if route == common.RouteProxy && c.cfg.ProxyToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.ProxyToken)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, route, common.NetworkError(method, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, route, common.NetworkError(method, err)
	}
	log := c.log.WithFields(logrus.Fields{
		"method": method, "route": route, "status": res.StatusCode, "elapsed": time.Since(start),
	})

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if res.StatusCode >= 500 {
			return nil, route, common.NetworkError(method, fmt.Errorf("http %d", res.StatusCode))
		}
		if res.StatusCode >= 300 {
			return nil, route, apiError(method, 0, strings.TrimSpace(string(raw)), res.StatusCode)
		}
		return nil, route, fmt.Errorf("%s: undecodable response: %w", method, common.ErrDataIntegrity)
	}
	if env.Code != 0 || res.StatusCode >= 300 {
		apiErr := apiError(method, env.Code, env.Message, res.StatusCode)
		log.WithField("code", apiErr.Code).Warn("request rejected")
		if env.Code == codeInvalidNonce && route == common.RouteDirect {
			c.resyncClock(res.Header.Get("Date"), time.Now())
		}
		return nil, route, apiErr
	}
	log.Debug("request ok")
	return env.Result, route, nil
}
