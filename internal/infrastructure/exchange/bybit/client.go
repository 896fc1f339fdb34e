package bybit

import (
	"bytes"
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

// VenueID bybit V5 linear 永续
const VenueID model.VenueID = "bybit"

const category = "linear"

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

// Client Bybit V5 linear perpetual adapter implementing port.Venue.
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
		return nil, fmt.Errorf("bybit rest_url empty")
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

// envelope V5 通用响应
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) public(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodGet, c.rest.URL(path, params.Encode()), nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, req)
}

// signedQuery 发送带 query 的签名请求
func (c *Client) signedQuery(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	query := params.Encode()
	req, err := http.NewRequest(http.MethodGet, c.rest.URL(path, query), nil)
	if err != nil {
		return nil, err
	}
	c.sign(req, query)
	return c.do(ctx, req)
}

// signedJSON 发送带 JSON payload 的签名请求
func (c *Client) signedJSON(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.rest.URL(path, ""), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, string(body))
	return c.do(ctx, req)
}

// Bybit V5 signature: timestamp + apiKey + recvWindow + payload
func (c *Client) sign(req *http.Request, payload string) {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.credentials.APIKey())
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.credentials.Sign(ts+c.credentials.APIKey()+c.recvWindow+payload))
}

func (c *Client) do(ctx context.Context, req *http.Request) (json.RawMessage, error) {
	resp, err := c.rest.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		if resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden {
			return nil, &port.VenueError{Venue: c.id, Class: port.ClassAuth, Code: strconv.Itoa(resp.Status), Msg: string(resp.Body)}
		}
		return nil, &port.VenueError{Venue: c.id, Class: port.ClassUnknown, Msg: "decode envelope", Err: err}
	}
	if env.RetCode != 0 {
		return nil, classify(c.id, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

// classify maps V5 retCodes onto the shared error taxonomy.
func classify(id model.VenueID, code int, msg string) *port.VenueError {
	ve := &port.VenueError{Venue: id, Code: strconv.Itoa(code), Msg: msg}
	switch code {
	case 110017:
		ve.Class, ve.Reason = port.ClassRecoverable, port.ReasonReduceOnly
	case 110004, 110007, 110012, 110045:
		ve.Class, ve.Reason = port.ClassRecoverable, port.ReasonMargin
	case 10003, 10004, 10005, 10007, 33004:
		ve.Class = port.ClassAuth
	case 10002, 10006, 10016, 10018:
		ve.Class = port.ClassTransport
	case 10029, 110074:
		ve.Class, ve.Reason = port.ClassTerminal, port.ReasonSymbolDisabled
	case 10001, 110001, 110003, 110009, 110094:
		ve.Class, ve.Reason = port.ClassTerminal, port.ReasonInvalidParams
	default:
		ve.Class = port.ClassUnknown
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
