package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/podushkina/jobrelay/internal/auth"
	"github.com/podushkina/jobrelay/internal/bus"
	"github.com/podushkina/jobrelay/internal/events"
)

// Application close codes sent when the credential check fails.
const (
	CloseMissingCredential = 4400
	CloseInvalidCredential = 4401
)

type Verifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, tmpl bus.Template, subject string) (*bus.Subscription, error)
}

type Config struct {
	AuthTimeout  time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	AllowOrigins []string
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Gateway relays a subject's status events to its live connections and serves
// replay of what a client missed.
type Gateway struct {
	cfg      Config
	verifier Verifier
	bus      Subscriber
	store    events.Store
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func New(v Verifier, b Subscriber, store events.Store, cfg Config, logger *slog.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:      cfg,
		verifier: v,
		bus:      b,
		store:    store,
		logger:   logger.With("component", "gateway"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range g.cfg.AllowOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type readyFrame struct {
	Type    string `json:"type"`
	Subject string `json:"subject"`
}

// Live upgrades the request and authenticates the connection with the token
// query parameter or, failing that, a first {"type":"auth"} frame. Rejected
// connections are closed with 4400 or 4401 before anything is delivered.
func (g *Gateway) Live(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	token := r.URL.Query().Get("token")
	if token == "" {
		token = g.readAuthFrame(conn)
	}

	claims, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		code, reason := CloseInvalidCredential, "invalid credential"
		if errors.Is(err, auth.ErrMissingToken) {
			code, reason = CloseMissingCredential, "missing credential"
		}
		g.logger.Info("live connection rejected", "code", code, "error", err)
		g.close(conn, code, reason)
		return
	}

	log := g.logger.With("subject", claims.Subject)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := g.bus.Subscribe(ctx, bus.ChannelStatus, claims.Subject)
	if err != nil {
		log.Error("subscribe failed", "error", err)
		g.close(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Close()

	if err := g.writeJSON(conn, readyFrame{Type: "ready", Subject: claims.Subject}); err != nil {
		return
	}
	log.Info("live connection established")

	go g.drain(conn, cancel)
	g.pump(ctx, conn, sub, log)
	log.Info("live connection closed")
}

func (g *Gateway) readAuthFrame(conn *websocket.Conn) string {
	conn.SetReadDeadline(time.Now().Add(g.cfg.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var f authFrame
	if err := conn.ReadJSON(&f); err != nil {
		return ""
	}
	if f.Type != "auth" {
		return ""
	}
	return f.Token
}

// drain reads and discards client frames so control frames are processed,
// and cancels the connection once the peer goes away.
func (g *Gateway) drain(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	deadline := func() { conn.SetReadDeadline(time.Now().Add(2 * g.cfg.PingInterval)) }
	deadline()
	conn.SetPongHandler(func(string) error {
		deadline()
		return nil
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (g *Gateway) pump(ctx context.Context, conn *websocket.Conn, sub *bus.Subscription, log *slog.Logger) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				g.close(conn, websocket.CloseGoingAway, "event stream ended")
				return
			}
			if err := g.writeJSON(conn, msg); err != nil {
				log.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(g.cfg.WriteTimeout)); err != nil {
				log.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (g *Gateway) close(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout))
}
