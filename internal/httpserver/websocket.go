package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/skobkin/procview/internal/api"
	"github.com/skobkin/procview/internal/panel"
	"github.com/skobkin/procview/internal/poller"
)

// wsSession is the state of one WebSocket viewer: its panel and the client
// subscription feeding it.
type wsSession struct {
	server   *Server
	outbound *wsOutbound
	logger   *slog.Logger
	panel    *panel.Panel

	clientID    string
	updates     <-chan poller.Snapshot
	unsubscribe func()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)
	defer closeWebsocket(logger, conn, websocket.StatusNormalClosure, "")

	session := &wsSession{
		server:   s,
		outbound: newWSOutbound(wsSendQueueSize, &s.wsDropped),
		logger:   logger,
		panel:    panel.New(),
	}

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, session.outbound, cancel, logger, writerDone)

	defer func() {
		session.stop()
		session.outbound.close()
		cancel()
		<-writerDone
	}()

	clients := []poller.ClientInfo{}
	if s.poller != nil {
		clients = s.poller.Clients()
	}
	features := map[string]bool{
		"series":     true,
		"prometheus": s.cfg.EnablePrometheus,
	}
	hello := api.NewHelloMessage(int(s.cfg.PollInterval/time.Millisecond), clients, features)
	if !session.send(hello) {
		return
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	if target := s.defaultClient(); target != "" {
		if err := session.subscribe(target); err != nil {
			logger.Warn("failed to subscribe default client", "client_id", target, "err", err)
			_ = session.sendError(fmt.Sprintf("failed to subscribe default client: %v", err))
		}
	} else {
		_ = session.sendError("no clients configured")
	}

	for {
		select {
		case snapshot, ok := <-session.updates:
			if !ok {
				session.updates = nil
				session.clientID = ""
				continue
			}
			if !session.send(api.NewProcessesMessage(session.panel.Update(snapshot))) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := session.handleClientMessage(data); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Debug("websocket read ended", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// subscribe points the session at another client. The panel keeps its filter
// and selection but drops the previous client's records.
func (ws *wsSession) subscribe(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("empty client id")
	}
	if ws.server.poller == nil || !ws.server.poller.Known(clientID) {
		return fmt.Errorf("unknown client %q", clientID)
	}
	if clientID == ws.clientID {
		return nil
	}

	updates, unsubscribe, err := ws.server.poller.Subscribe(clientID)
	if err != nil {
		return err
	}
	ws.stop()
	ws.panel.Reset()
	ws.updates = updates
	ws.unsubscribe = unsubscribe
	ws.clientID = clientID
	ws.logger.Info("ws subscribed", "client_id", clientID)
	return nil
}

func (ws *wsSession) stop() {
	if ws.unsubscribe != nil {
		ws.unsubscribe()
		ws.unsubscribe = nil
	}
	ws.updates = nil
}

func (ws *wsSession) handleClientMessage(data []byte) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		ws.logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "subscribe":
		var msg api.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return ws.reportError("invalid subscribe payload")
		}
		target := msg.ClientID
		if target == "" {
			target = ws.server.defaultClient()
		}
		if err := ws.subscribe(target); err != nil {
			return ws.reportError(err.Error())
		}
	case "filter":
		var msg api.FilterMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return ws.reportError("invalid filter payload")
		}
		opts, err := msg.Options()
		if err != nil {
			return ws.reportError(err.Error())
		}
		if !ws.send(api.NewProcessesMessage(ws.panel.SetFilter(msg.Text, opts))) {
			return fmt.Errorf("failed to enqueue filtered view")
		}
	case "select":
		var msg api.SelectMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return ws.reportError("invalid select payload")
		}
		var view panel.View
		if msg.Key != nil {
			view = ws.panel.SelectKey(*msg.Key)
		} else {
			view = ws.panel.Select(msg.ID)
		}
		if !ws.send(api.NewProcessesMessage(view)) {
			return fmt.Errorf("failed to enqueue selection view")
		}
	case "ping":
		if !ws.send(api.PongMessage{Type: "pong"}) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		ws.logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (ws *wsSession) send(payload any) bool {
	return ws.server.enqueueMessage(ws.outbound, payload, ws.logger)
}

func (ws *wsSession) sendError(msg string) bool {
	return ws.send(api.ErrorMessage{Type: "error", Message: msg})
}

// reportError tells the peer about a rejected message; only a full outbound
// queue is fatal to the session.
func (ws *wsSession) reportError(msg string) error {
	if !ws.sendError(msg) {
		return fmt.Errorf("failed to enqueue error %q", msg)
	}
	return nil
}

// readMessages forwards text frames until the peer goes away or stays silent
// longer than the read timeout.
func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("idle for %s: %w", s.cfg.WS.ReadTimeout, err)
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

// wsOutbound is a bounded send queue that drops the oldest message when full.
type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
