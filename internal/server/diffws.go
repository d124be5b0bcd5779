// diffws.go implements the WebSocket differential protocol spec.md §6.1
// exposes at /ws/diff: clients push req_login/peek_message/subscribe_quote/
// insert_order/cancel_order/set_chart frames, and the server answers
// peek_message with a rtn_data frame carrying the patches accumulated since
// the last peek. All other state changes (order fills, account updates,
// quote ticks) reach the client only through that same rtn_data channel,
// never as a direct per-request ack — the diff protocol has exactly one
// response shape.
//
// Grounded on the teacher's internal/api/stream.go Client register/pump
// pattern (ping/pong heartbeat via a write-pump ticker plus a read-pump
// deadline reset on every inbound frame), generalized from one broadcast
// hub serving read-only dashboard clients to one connection per
// authenticated user carrying a bidirectional command stream.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"qaexchange/internal/account"
	"qaexchange/internal/router"
	"qaexchange/internal/snapshot"
	"qaexchange/pkg/types"
)

const (
	diffWriteWait     = 10 * time.Second
	diffMaxMessageSize = 64 * 1024
)

// DiffWS serves the /ws/diff endpoint.
type DiffWS struct {
	snap      *snapshot.Manager
	router    *router.OrderRouter
	auth      *Auth
	users     *UserStore
	accounts  *account.Book
	upgrader  websocket.Upgrader

	heartbeat time.Duration // how often the server pings
	readTimeout time.Duration // silence tolerated before disconnect
	peekTimeout time.Duration // default peek_message long-poll duration

	logger zerolog.Logger
}

// NewDiffWS wires a diff-protocol server. allowedOrigins of "*" disables
// origin checking (development only).
func NewDiffWS(snap *snapshot.Manager, r *router.OrderRouter, auth *Auth, users *UserStore, accounts *account.Book, heartbeat, readTimeout, peekTimeout time.Duration, allowedOrigins []string, logger zerolog.Logger) *DiffWS {
	d := &DiffWS{
		snap:        snap,
		router:      r,
		auth:        auth,
		users:       users,
		accounts:    accounts,
		heartbeat:   heartbeat,
		readTimeout: readTimeout,
		peekTimeout: peekTimeout,
		logger:      logger.With().Str("component", "diffws").Logger(),
	}
	d.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     d.checkOrigin(allowedOrigins),
	}
	return d
}

func (d *DiffWS) checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// HandleWS upgrades the HTTP request and runs the connection's pumps until
// it closes. The user_id query parameter names the snapshot session;
// authentication (req_login) happens over the socket per spec.md §6.1.
func (d *DiffWS) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	d.snap.InitializeUser(userID)
	c := &diffClient{
		server: d,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	go c.writePump()
	c.readPump()
}

type diffClient struct {
	server *DiffWS
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

type clientFrame struct {
	AID string `json:"aid"`

	Username string `json:"username"`
	Password string `json:"password"`

	InsList string `json:"ins_list"`

	UserID       string `json:"user_id"`
	AccountID    string `json:"account_id"`
	OrderID      string `json:"order_id"`
	ExchangeID   string `json:"exchange_id"`
	InstrumentID string `json:"instrument_id"`
	Direction    string `json:"direction"`
	Offset       string `json:"offset"`
	Volume       string `json:"volume"`
	PriceType    string `json:"price_type"`
	LimitPrice   string `json:"limit_price"`

	ChartID   string `json:"chart_id"`
	Duration  int64  `json:"duration"`
	ViewWidth int64  `json:"view_width"`
}

type serverFrame struct {
	AID  string        `json:"aid"`
	Data []interface{} `json:"data,omitempty"`
}

func (c *diffClient) readPump() {
	defer func() {
		close(c.done)
		c.server.snap.RemoveUser(c.userID)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(diffMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout))

		var f clientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.server.logger.Warn().Err(err).Msg("malformed diff frame")
			continue
		}
		c.handle(f)
	}
}

func (c *diffClient) writePump() {
	ticker := time.NewTicker(c.server.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(diffWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(diffWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *diffClient) reply(f serverFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		// outbound queue full: drop rather than block the read pump,
		// per spec.md's websocket backpressure policy.
	}
}

func (c *diffClient) handle(f clientFrame) {
	switch f.AID {
	case "req_login":
		c.handleLogin(f)
	case "peek_message":
		c.handlePeek()
	case "subscribe_quote":
		c.server.snap.SetInsList(c.userID, splitInsList(f.InsList))
	case "insert_order":
		c.handleInsertOrder(f)
	case "cancel_order":
		c.handleCancelOrder(f)
	case "set_chart":
		c.handleSetChart(f)
	default:
		c.server.logger.Warn().Str("aid", f.AID).Msg("unknown diff frame type")
	}
}

func (c *diffClient) handleLogin(f clientFrame) {
	hash, ok := c.server.users.HashFor(f.Username)
	if !ok || !c.server.auth.CheckPassword(hash, f.Password) {
		c.server.snap.PushPatch(c.userID, map[string]interface{}{
			"notify": map[string]interface{}{"login": "invalid credentials"},
		})
		return
	}
	c.server.snap.PushPatch(c.userID, map[string]interface{}{
		"notify": map[string]interface{}{"login": "ok"},
	})
}

func (c *diffClient) handlePeek() {
	ctx, cancel := context.WithTimeout(context.Background(), c.server.peekTimeout)
	defer cancel()
	patches := c.server.snap.Peek(ctx, c.userID, c.server.peekTimeout)
	c.reply(serverFrame{AID: "rtn_data", Data: patches})
}

func (c *diffClient) handleInsertOrder(f clientFrame) {
	accountID := f.AccountID
	if accountID == "" {
		var ok bool
		accountID, ok = c.server.users.DefaultAccount(c.userID)
		if !ok {
			c.server.snap.PushPatch(c.userID, map[string]interface{}{
				"notify": map[string]interface{}{"insert_order": "no account_id given and no default account on file"},
			})
			return
		}
	}
	dir, err := parseDirection(f.Direction)
	if err != nil {
		c.server.logger.Warn().Err(err).Msg("insert_order: bad direction")
		return
	}
	offset, err := parseOffset(f.Offset)
	if err != nil {
		c.server.logger.Warn().Err(err).Msg("insert_order: bad offset")
		return
	}
	priceType, err := parsePriceType(f.PriceType)
	if err != nil {
		c.server.logger.Warn().Err(err).Msg("insert_order: bad price_type")
		return
	}
	price := decimal.Zero
	if priceType == types.PriceTypeLimit {
		price, err = decimal.NewFromString(f.LimitPrice)
		if err != nil {
			c.server.logger.Warn().Err(err).Msg("insert_order: bad limit_price")
			return
		}
	}
	volume, err := decimal.NewFromString(f.Volume)
	if err != nil {
		c.server.logger.Warn().Err(err).Msg("insert_order: bad volume")
		return
	}
	_, _, err = c.server.router.SubmitOrder(c.userID, accountID, f.OrderID, f.InstrumentID, dir, offset, priceType, price, volume, false)
	if err != nil {
		c.server.snap.PushPatch(c.userID, map[string]interface{}{
			"notify": map[string]interface{}{"insert_order": err.Error()},
		})
	}
}

func (c *diffClient) handleCancelOrder(f clientFrame) {
	_, err := c.server.router.CancelOrder(c.userID, f.InstrumentID, f.ExchangeID)
	if err != nil {
		c.server.snap.PushPatch(c.userID, map[string]interface{}{
			"notify": map[string]interface{}{"cancel_order": err.Error()},
		})
	}
}

func (c *diffClient) handleSetChart(f clientFrame) {
	c.server.snap.PushPatch(c.userID, map[string]interface{}{
		"klines": map[string]interface{}{
			f.ChartID: map[string]interface{}{
				"ins_list":   f.InsList,
				"duration":   f.Duration,
				"view_width": f.ViewWidth,
			},
		},
	})
}

func splitInsList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
