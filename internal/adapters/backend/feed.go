package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stagelink/stagelink/internal/core"
	"github.com/stagelink/stagelink/internal/domain"
)

const (
	feedReadLimit    = 1 << 16
	feedReadTimeout  = 75 * time.Second
	feedWriteTimeout = 5 * time.Second
	feedBackoffMin   = time.Second
	feedBackoffMax   = 30 * time.Second
)

// Feed subscribes to the backend change feed for one session. Delivery
// is at-least-once after reconnects; consumers re-read the record on
// FeedRestored rather than trusting the next delta.
type Feed struct {
	url       string
	token     string
	sessionID domain.SessionID

	events chan core.FeedEvent

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

var _ core.SessionFeed = (*Feed)(nil)

// DialFeed connects and subscribes. The initial dial failing is an
// error; later drops are handled by the internal reconnect loop.
func DialFeed(ctx context.Context, wsURL, token string, sessionID domain.SessionID) (*Feed, error) {
	f := &Feed{
		url:       wsURL,
		token:     token,
		sessionID: sessionID,
		events:    make(chan core.FeedEvent, 32),
		done:      make(chan struct{}),
	}
	conn, err := f.dial(ctx)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	go f.readLoop(ctx)
	return f, nil
}

func (f *Feed) Events() <-chan core.FeedEvent { return f.events }

func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	header := map[string][]string{}
	if f.token != "" {
		header["Authorization"] = []string{"Bearer " + f.token}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(feedReadLimit)

	sub := struct {
		Type      string           `json:"type"`
		SessionID domain.SessionID `json:"session_id"`
	}{Type: "subscribe", SessionID: f.sessionID}
	_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// readLoop pumps feed messages and reconnects with backoff on drops.
func (f *Feed) readLoop(ctx context.Context) {
	defer close(f.events)
	backoff := feedBackoffMin
	for {
		f.mu.Lock()
		conn := f.conn
		closed := f.closed
		f.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, data, err := conn.ReadMessage()
		if err == nil {
			backoff = feedBackoffMin
			f.handleMessage(data)
			continue
		}

		f.mu.Lock()
		closed = f.closed
		f.mu.Unlock()
		if closed {
			return
		}
		log.Warn().Err(err).Str("module", "backend.feed").Msg("feed read error, reconnecting")
		f.deliver(core.FeedEvent{Type: core.FeedDown})

		conn.Close()
		next, derr := f.redial(ctx, &backoff)
		if derr != nil {
			return
		}
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			next.Close()
			return
		}
		f.conn = next
		f.mu.Unlock()
		f.deliver(core.FeedEvent{Type: core.FeedRestored})
	}
}

func (f *Feed) redial(ctx context.Context, backoff *time.Duration) (*websocket.Conn, error) {
	for {
		select {
		case <-f.done:
			return nil, context.Canceled
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(*backoff):
		}
		if *backoff < feedBackoffMax {
			*backoff *= 2
		}
		conn, err := f.dial(ctx)
		if err == nil {
			log.Info().Str("module", "backend.feed").Msg("feed reconnected")
			return conn, nil
		}
		log.Warn().Err(err).Dur("backoff", *backoff).Str("module", "backend.feed").Msg("feed redial failed")
	}
}

type feedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (f *Feed) handleMessage(data []byte) {
	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "backend.feed").Msg("bad feed json")
		return
	}
	switch env.Type {
	case "session":
		var sess domain.Session
		if err := json.Unmarshal(env.Payload, &sess); err != nil {
			log.Error().Err(err).Str("module", "backend.feed").Msg("bad session payload")
			return
		}
		f.deliver(core.FeedEvent{Type: core.FeedSession, Session: &sess})
	case "invite":
		var inv domain.Invite
		if err := json.Unmarshal(env.Payload, &inv); err != nil {
			log.Error().Err(err).Str("module", "backend.feed").Msg("bad invite payload")
			return
		}
		f.deliver(core.FeedEvent{Type: core.FeedInvite, Invite: &inv})
	case "score":
		var sc domain.ScoreState
		if err := json.Unmarshal(env.Payload, &sc); err != nil {
			log.Error().Err(err).Str("module", "backend.feed").Msg("bad score payload")
			return
		}
		f.deliver(core.FeedEvent{Type: core.FeedScore, Score: &sc})
	case "ping":
	default:
		log.Warn().Str("module", "backend.feed").Str("type", env.Type).Msg("unknown feed message")
	}
}

func (f *Feed) deliver(ev core.FeedEvent) {
	select {
	case f.events <- ev:
	case <-f.done:
	}
}
