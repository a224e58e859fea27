package lab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Event is one message from the lab's event stream. Jobs publish under
// the ".testjob" topic suffix, devices under ".device".
type Event struct {
	Topic    string
	DateTime string
	Username string
	Payload  map[string]interface{}
}

// JobID extracts the job identifier from a testjob event, or 0.
func (e Event) JobID() int64 {
	raw, ok := e.Payload["job"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case string:
		var id int64
		for _, c := range v {
			if c < '0' || c > '9' {
				return 0
			}
			id = id*10 + int64(c-'0')
		}
		return id
	}
	return 0
}

// Listener consumes the lab's websocket event stream and hands each
// event to a handler. It reconnects with backoff; the stream is an
// optimisation over polling, so missing events must stay survivable.
type Listener struct {
	url     string
	handler func(Event)
	logger  log.Logger
	dialer  *websocket.Dialer
	backoff time.Duration
}

// NewListener builds a listener for the stream at url (ws:// or
// wss://).
func NewListener(url string, handler func(Event), logger log.Logger) *Listener {
	return &Listener{
		url:     url,
		handler: handler,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
		backoff: time.Second,
	}
}

// Run connects and dispatches events until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	wait := l.backoff
	for {
		err := l.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Log("err", err, "reconnect_in", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if wait *= 2; wait > time.Minute {
			wait = time.Minute
		}
	}
}

func (l *Listener) consume(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return errors.Wrap(err, "dialing event stream")
	}
	defer conn.Close()
	// The watcher unblocks ReadMessage on cancellation and must not
	// outlive this connection.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "reading event stream")
		}
		event, err := parseEvent(msg)
		if err != nil {
			l.logger.Log("err", err)
			continue
		}
		l.handler(event)
	}
}

// parseEvent decodes the lab's five-element array framing:
// [topic, uuid, datetime, username, payload-json-string].
func parseEvent(msg []byte) (Event, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(msg, &frame); err != nil {
		return Event{}, errors.Wrap(err, "decoding event frame")
	}
	if len(frame) != 5 {
		return Event{}, errors.Errorf("event frame has %d elements, want 5", len(frame))
	}
	var e Event
	var payload string
	for i, dst := range []interface{}{&e.Topic, nil, &e.DateTime, &e.Username, &payload} {
		if dst == nil {
			continue
		}
		if err := json.Unmarshal(frame[i], dst); err != nil {
			return Event{}, errors.Wrapf(err, "decoding event frame element %d", i)
		}
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return Event{}, errors.Wrap(err, "decoding event payload")
	}
	return e, nil
}
