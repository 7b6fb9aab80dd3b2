package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/session"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/timesync"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// The device lives on an isolated field network; origins are not
// checked.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire frame in both directions
type envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// wsClient is one connected UI client. send is never closed; done
// signals the write pump to exit so late event forwards stay safe.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	addr   string
	tier   timesync.Tier
	send   chan []byte
	done   chan struct{}
	sub    *bus.Subscriber
}

// SendTimeSyncRequest asks the client for its current clock. Satisfies
// the time machine's Sender.
func (c *wsClient) SendTimeSyncRequest(address string) error {
	return c.sendEvent("time_sync_request", map[string]interface{}{
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (c *wsClient) sendEvent(eventType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   raw,
	})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errors.New("client send buffer full")
	}
}

func (c *wsClient) sendError(command, message string) {
	c.sendEvent("error", map[string]string{
		"command": command,
		"message": message,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		server: s,
		conn:   conn,
		addr:   r.RemoteAddr,
		tier:   s.clientTier(r.RemoteAddr),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		sub:    s.deps.Bus.Subscribe(),
	}

	s.log.Info("UI client connected",
		"address", c.addr,
		"interface", c.tier)
	s.deps.TimeSync.ClientConnected(c.addr, c.tier, c)

	go c.writePump()
	go c.forwardEvents()
	go c.readPump()

	c.sendEvent("welcome", s.statusPayload())
}

// readPump decodes inbound commands until the connection drops
func (c *wsClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("WebSocket read error",
					"address", c.addr,
					"error", err)
			}
			return
		}

		var msg envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "invalid message: "+err.Error())
			continue
		}
		c.dispatch(msg)
	}
}

// writePump serializes all writes on the connection
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// forwardEvents relays bus events to the client until unsubscribed
func (c *wsClient) forwardEvents() {
	for ev := range c.sub.C() {
		c.sendEvent(ev.Type, ev.Payload)
	}
}

func (c *wsClient) teardown() {
	c.server.deps.TimeSync.ClientDisconnected(c.addr)
	c.server.deps.Bus.Unsubscribe(c.sub)
	close(c.done)
	c.server.log.Info("UI client disconnected", "address", c.addr)
}

// dispatch routes one command to the owning subsystem
func (c *wsClient) dispatch(msg envelope) {
	s := c.server
	switch msg.Type {
	case "start_intervalometer_with_title":
		c.startIntervalometer(msg.Payload)

	case "pause_intervalometer":
		c.replyOnErr(msg.Type, s.deps.Sessions.Pause())

	case "resume_intervalometer":
		c.replyOnErr(msg.Type, s.deps.Sessions.Resume())

	case "stop_intervalometer":
		c.replyOnErr(msg.Type, s.deps.Sessions.Stop())

	case "update_session_title":
		var p struct {
			SessionID string `json:"session_id"`
			Title     string `json:"title"`
		}
		if !c.decode(msg, &p) {
			return
		}
		if err := s.deps.Sessions.UpdateTitle(p.SessionID, p.Title); err != nil {
			c.sendError(msg.Type, err.Error())
			return
		}
		c.sendEvent("session_title_updated", p)

	case "get_timelapse_reports":
		c.sendEvent("timelapse_reports", map[string]interface{}{
			"reports": s.deps.Reports.List(),
		})

	case "get_timelapse_report":
		var p struct {
			ID string `json:"id"`
		}
		if !c.decode(msg, &p) {
			return
		}
		rep, err := s.deps.Reports.Get(p.ID)
		if err != nil {
			c.sendError(msg.Type, err.Error())
			return
		}
		c.sendEvent("timelapse_report", rep)

	case "delete_timelapse_report":
		var p struct {
			ID string `json:"id"`
		}
		if !c.decode(msg, &p) {
			return
		}
		if err := s.deps.Reports.Delete(p.ID); err != nil {
			c.sendError(msg.Type, err.Error())
			return
		}
		c.sendEvent("report_deleted", p)

	case "update_report_title":
		c.updateReportTitle(msg.Payload)

	case "client_time_response":
		var p struct {
			ClientTime string `json:"client_time"`
			Timezone   string `json:"timezone,omitempty"`
		}
		if !c.decode(msg, &p) {
			return
		}
		t, err := parseClientTime(p.ClientTime)
		if err != nil {
			c.sendError(msg.Type, err.Error())
			return
		}
		s.deps.TimeSync.ClientTimeResponse(c.addr, t, p.Timezone)

	case "manual_time_sync":
		s.deps.TimeSync.ManualSync()

	default:
		c.sendError(msg.Type, "unknown command")
	}
}

func (c *wsClient) startIntervalometer(payload json.RawMessage) {
	var p struct {
		Interval      float64 `json:"interval"`
		Shots         int     `json:"shots,omitempty"`
		StopTime      string  `json:"stop_time,omitempty"`
		StopCondition string  `json:"stop_condition"`
		Title         string  `json:"title,omitempty"`
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError("start_intervalometer_with_title", "invalid payload: "+err.Error())
			return
		}
	}

	cfg := session.Config{
		IntervalSeconds: p.Interval,
		StopCondition:   session.StopCondition(p.StopCondition),
		TotalShots:      p.Shots,
		Title:           p.Title,
	}
	if cfg.StopCondition == "" {
		cfg.StopCondition = session.StopUnlimited
	}
	if p.StopTime != "" {
		t, err := parseClientTime(p.StopTime)
		if err != nil {
			c.sendError("start_intervalometer_with_title", "invalid stop_time: "+err.Error())
			return
		}
		cfg.StopTime = t
	}

	if _, err := c.server.deps.Sessions.Start(c.server.baseCtx, cfg); err != nil {
		c.sendError("start_intervalometer_with_title", err.Error())
	}
}

func (c *wsClient) updateReportTitle(payload json.RawMessage) {
	var p struct {
		ID        string `json:"id,omitempty"`
		SessionID string `json:"session_id,omitempty"`
		Title     string `json:"title"`
	}
	if payload != nil {
		if err := json.Unmarshal(payload, &p); err != nil {
			c.sendError("update_report_title", "invalid payload: "+err.Error())
			return
		}
	}

	id := p.ID
	if id == "" && p.SessionID != "" {
		rep, err := c.server.deps.Reports.GetBySession(p.SessionID)
		if err != nil {
			c.sendError("update_report_title", err.Error())
			return
		}
		id = rep.ID
	}
	if err := c.server.deps.Reports.UpdateTitle(id, p.Title); err != nil {
		c.sendError("update_report_title", err.Error())
		return
	}
	c.sendEvent("report_title_updated", map[string]string{
		"id":    id,
		"title": p.Title,
	})
}

func (c *wsClient) decode(msg envelope, v interface{}) bool {
	if msg.Payload == nil {
		c.sendError(msg.Type, "payload required")
		return false
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		c.sendError(msg.Type, "invalid payload: "+err.Error())
		return false
	}
	return true
}

func (c *wsClient) replyOnErr(command string, err error) {
	if err != nil {
		c.sendError(command, err.Error())
	}
}

// parseClientTime accepts RFC3339 (with or without sub-seconds) and a
// bare local datetime
func parseClientTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
