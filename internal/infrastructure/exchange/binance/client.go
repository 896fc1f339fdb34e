package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
	"segarb/internal/infrastructure/exchange"
	"segarb/internal/infrastructure/venue"
)

// VenueID binance U 本位永续
const VenueID model.VenueID = "binance"

// Credentials 包含 API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{apiKey: apiKey, apiSecret: apiSecret}
}

// Sign 生成 HMAC-SHA256 签名
func (c *Credentials) Sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Credentials) APIKey() string { return c.apiKey }

// Client Binance USDⓈ-M futures adapter implementing port.Venue.
type Client struct {
	id          model.VenueID
	rest        *exchange.REST
	credentials *Credentials
	recvWindow  string
	wsURL       string
	quant       *exchange.Quantizer
	now         func() time.Time
}

// New creates the adapter from registry settings.
func New(s venue.Settings) (*Client, error) {
	if s.RestURL == "" {
		return nil, fmt.Errorf("binance rest_url empty")
	}
	id := s.ID
	if id == "" {
		id = VenueID
	}
	rw := s.RecvWindowMs
	if rw <= 0 {
		rw = 5000
	}
	return &Client{
		id:          id,
		rest:        exchange.NewREST(id, s.RestURL, s.RateLimit, s.RateBurst),
		credentials: NewCredentials(s.APIKey, s.APISecret),
		recvWindow:  strconv.Itoa(rw),
		wsURL:       s.WsURL,
		quant:       exchange.NewQuantizer(s.QtyStep, s.PriceTick),
		now:         time.Now,
	}, nil
}

func (c *Client) ID() model.VenueID { return c.id }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// public sends an unsigned request.
func (c *Client) public(ctx context.Context, path string, params url.Values) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.rest.URL(path, params.Encode()), nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

// signed is the shared helper for signed REST calls.
func (c *Client) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	if params.Get("recvWindow") == "" {
		params.Set("recvWindow", c.recvWindow)
	}
	query := params.Encode()
	query += "&signature=" + c.credentials.Sign(query)

	req, err := http.NewRequest(method, c.rest.URL(path, query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.credentials.APIKey())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := c.rest.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Status == http.StatusOK {
		return resp.Body, nil
	}
	var ae apiError
	_ = json.Unmarshal(resp.Body, &ae)
	if ae.Msg == "" {
		ae.Msg = string(resp.Body)
	}
	return nil, classify(c.id, resp.Status, ae)
}

// classify maps binance error codes onto the shared error taxonomy.
func classify(id model.VenueID, status int, ae apiError) *port.VenueError {
	ve := &port.VenueError{Venue: id, Code: strconv.Itoa(ae.Code), Msg: ae.Msg}
	switch ae.Code {
	case -2022:
		ve.Class, ve.Reason = port.ClassRecoverable, port.ReasonReduceOnly
	case -2019, -2018:
		ve.Class, ve.Reason = port.ClassRecoverable, port.ReasonMargin
	case -2014, -2015, -1022, -2008:
		ve.Class = port.ClassAuth
	case -1016:
		ve.Class, ve.Reason = port.ClassTransport, port.ReasonMaintenance
	case -1021, -1003, -1001, -1007:
		ve.Class = port.ClassTransport
	case -1121, -4141:
		ve.Class, ve.Reason = port.ClassTerminal, port.ReasonSymbolDisabled
	case -1100, -1101, -1102, -1111, -1013, -4164, -1116, -1117, -2013:
		ve.Class, ve.Reason = port.ClassTerminal, port.ReasonInvalidParams
	default:
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			ve.Class = port.ClassAuth
		case status >= 400 && status < 500:
			ve.Class, ve.Reason = port.ClassTerminal, port.ReasonInvalidParams
		default:
			ve.Class = port.ClassUnknown
		}
	}
	return ve
}

func init() {
	venue.Register(VenueID, func(s venue.Settings) (port.Venue, error) {
		c, err := New(s)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}
