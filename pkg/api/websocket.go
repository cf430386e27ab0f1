package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	outboxSize  = 256
	maxControl  = 4096
	opSubscribe = "subscribe"
	opLeave     = "unsubscribe"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are checked by the cors handler in front of the router
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fillFeed fans committed fills out to websocket subscribers. The mutex
// guards both the subscriber set and every subscriber's topic set, so a
// publish never races a subscription change or a closed outbox.
type fillFeed struct {
	mu    sync.RWMutex
	subs  map[*subscriber]struct{}
	join  chan *subscriber
	leave chan *subscriber
	log   *zap.SugaredLogger
}

func newFillFeed(log *zap.SugaredLogger) *fillFeed {
	return &fillFeed{
		subs:  make(map[*subscriber]struct{}),
		join:  make(chan *subscriber),
		leave: make(chan *subscriber),
		log:   log,
	}
}

// run owns membership until ctx is done, then drops every subscriber.
func (f *fillFeed) run(ctx context.Context) {
	for {
		select {
		case s := <-f.join:
			f.mu.Lock()
			f.subs[s] = struct{}{}
			n := len(f.subs)
			f.mu.Unlock()
			f.log.Infow("ws_client_connected", "client", s.id, "remote", s.conn.RemoteAddr().String(), "total", n)

		case s := <-f.leave:
			f.mu.Lock()
			f.drop(s)
			n := len(f.subs)
			f.mu.Unlock()
			f.log.Infow("ws_client_disconnected", "client", s.id, "total", n)

		case <-ctx.Done():
			f.mu.Lock()
			for s := range f.subs {
				f.drop(s)
			}
			f.mu.Unlock()
			return
		}
	}
}

// drop requires f.mu held for writing.
func (f *fillFeed) drop(s *subscriber) {
	if _, ok := f.subs[s]; ok {
		delete(f.subs, s)
		close(s.outbox)
	}
}

// publish delivers v to every subscriber of topic. Subscribers whose outbox
// is full miss the message.
func (f *fillFeed) publish(topic string, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		f.log.Errorw("ws_marshal_failed", "topic", topic, "err", err)
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for s := range f.subs {
		if _, ok := s.topics[topic]; ok {
			f.offer(s, msg)
		}
	}
}

// offer requires f.mu held.
func (f *fillFeed) offer(s *subscriber, msg []byte) {
	select {
	case s.outbox <- msg:
	default:
		f.log.Warnw("ws_client_lagging", "client", s.id)
	}
}

func (f *fillFeed) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// control applies a subscribe/unsubscribe request and queues the ack.
// Topics outside the fill namespace are ignored and left out of the ack.
func (f *fillFeed) control(s *subscriber, req WSSubscribeRequest) {
	var ack WSAck
	switch req.Op {
	case opSubscribe:
		ack.Type = "subscribed"
	case opLeave:
		ack.Type = "unsubscribed"
	default:
		f.log.Debugw("ws_unknown_op", "client", s.id, "op", req.Op)
		return
	}

	ack.Channels = make([]string, 0, len(req.Channels))
	for _, topic := range req.Channels {
		if isFillTopic(topic) {
			ack.Channels = append(ack.Channels, topic)
		}
	}
	msg, err := json.Marshal(ack)
	if err != nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s]; !ok {
		return
	}
	for _, topic := range ack.Channels {
		if req.Op == opSubscribe {
			s.topics[topic] = struct{}{}
		} else {
			delete(s.topics, topic)
		}
	}
	f.offer(s, msg)
}

func isFillTopic(topic string) bool {
	return topic == ChannelFills || (strings.HasPrefix(topic, ChannelFills+":") && len(topic) > len(ChannelFills)+1)
}

// subscriber is one websocket connection on the fill feed.
type subscriber struct {
	id     string
	conn   *websocket.Conn
	outbox chan []byte
	topics map[string]struct{}
}

// receive reads control messages until the connection fails, then leaves the feed.
func (s *subscriber) receive(ctx context.Context, f *fillFeed) {
	defer func() {
		select {
		case f.leave <- s:
		case <-ctx.Done():
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxControl)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.log.Warnw("ws_read_failed", "client", s.id, "err", err)
			}
			return
		}
		var req WSSubscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			f.log.Debugw("ws_invalid_message", "client", s.id, "err", err)
			continue
		}
		f.control(s, req)
	}
}

// transmit writes queued messages and keepalive pings until the outbox is closed.
func (s *subscriber) transmit() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("ws_upgrade_failed", "request_id", requestID(r.Context()), "err", err)
		return
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		topics: make(map[string]struct{}),
	}
	select {
	case s.feed.join <- sub:
	case <-s.ctx.Done():
		conn.Close()
		return
	}

	go sub.transmit()
	go sub.receive(s.ctx, s.feed)
}
