package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"segarb/internal/domain/model"
)

const (
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Emit pushes one normalized event into the venue channel.
type Emit func(model.MarketEvent)

// Stream 一条带自动重连的 websocket 订阅
type Stream struct {
	Venue model.VenueID
	URL   string
	// OnConnect runs after each successful dial (e.g. send subscribe frames).
	OnConnect func(conn *websocket.Conn) error
	// Handle decodes one frame and emits zero or more events.
	Handle func(b []byte, emit Emit)
	// Ping overrides the control-frame ping (bybit wants {"op":"ping"}).
	Ping         func(conn *websocket.Conn) error
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Start dials in the background and returns the bounded event channel.
// The channel is closed once ctx is done.
func (s *Stream) Start(ctx context.Context, buffer int) (<-chan model.MarketEvent, error) {
	if strings.TrimSpace(s.URL) == "" {
		return nil, fmt.Errorf("%s ws url empty", s.Venue)
	}
	if s.Handle == nil {
		return nil, errors.New("stream handler is nil")
	}
	if buffer <= 0 {
		buffer = 1024
	}
	out := make(chan model.MarketEvent, buffer)
	go s.run(ctx, out)
	return out, nil
}

func (s *Stream) run(ctx context.Context, out chan<- model.MarketEvent) {
	defer close(out)

	emit := func(ev model.MarketEvent) {
		ev.Venue = s.Venue
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		log.Info().Str("venue", string(s.Venue)).Str("url", s.URL).Msg("ws connecting")
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := dialer.DialContext(cctx, s.URL, nil)
		cancel()
		if err == nil && s.OnConnect != nil {
			if err = s.OnConnect(conn); err != nil {
				_ = conn.Close()
			}
		}
		if err != nil {
			log.Error().Str("venue", string(s.Venue)).Err(err).Msg("ws dial failed")
			emit(model.MarketEvent{Kind: model.EventConnection, Connected: false, Reason: err.Error()})
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = minBackoff
		log.Info().Str("venue", string(s.Venue)).Msg("ws connected")
		emit(model.MarketEvent{Kind: model.EventConnection, Connected: true})

		err = s.readLoop(ctx, conn, func(b []byte) { s.Handle(b, emit) })
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		reason := "closed"
		if err != nil {
			reason = err.Error()
		}
		log.Warn().Str("venue", string(s.Venue)).Err(err).Msg("ws disconnected, reconnecting")
		emit(model.MarketEvent{Kind: model.EventConnection, Connected: false, Reason: reason})
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, onMsg func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	every := s.PingInterval
	if every <= 0 {
		every = pingInterval
	}
	pingTicker := time.NewTicker(every)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			onMsg(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			var err error
			if s.Ping != nil {
				err = s.Ping(conn)
			} else {
				err = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			}
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// BuildURL joins base, path and query.
func BuildURL(base, path, query string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("base url is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if path != "" {
		u.Path = path
	}
	u.RawQuery = query
	return u.String(), nil
}
