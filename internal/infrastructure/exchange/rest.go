package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

// REST 限速的 HTTP 客户端，所有交易所适配器共用
type REST struct {
	Venue   model.VenueID
	BaseURL string
	HTTP    *http.Client
	Limiter *rate.Limiter
}

// NewREST creates a client allowing rps requests per second.
func NewREST(venue model.VenueID, baseURL string, rps float64, burst int) *REST {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &REST{
		Venue:   venue,
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Response 原始 HTTP 响应
type Response struct {
	Status int
	Body   []byte
}

// Do waits for the limiter and sends req. Network failures and 5xx/429
// responses come back as transport-class venue errors, 503 additionally
// tagged as maintenance; other statuses are returned to the caller for
// venue specific classification.
func (r *REST) Do(ctx context.Context, req *http.Request) (Response, error) {
	if err := r.Limiter.Wait(ctx); err != nil {
		return Response{}, &port.VenueError{Venue: r.Venue, Class: port.ClassTransport, Msg: "rate limiter", Err: err}
	}
	resp, err := r.HTTP.Do(req.WithContext(ctx))
	if err != nil {
		return Response{}, &port.VenueError{Venue: r.Venue, Class: port.ClassTransport, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &port.VenueError{Venue: r.Venue, Class: port.ClassTransport, Msg: "read body", Err: err}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		ve := &port.VenueError{
			Venue: r.Venue,
			Class: port.ClassTransport,
			Code:  fmt.Sprintf("http_%d", resp.StatusCode),
			Msg:   truncate(string(body), 256),
		}
		if resp.StatusCode == http.StatusServiceUnavailable {
			ve.Reason = port.ReasonMaintenance
		}
		return Response{Status: resp.StatusCode, Body: body}, ve
	}
	return Response{Status: resp.StatusCode, Body: body}, nil
}

// URL joins the base url with path and an optional encoded query.
func (r *REST) URL(path, query string) string {
	u := r.BaseURL + path
	if query != "" {
		u += "?" + query
	}
	return u
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
