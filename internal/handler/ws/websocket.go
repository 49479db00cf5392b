// Package ws serves an interactive chat over a WebSocket. A client sends
// prompts and may abort the running exchange; every render step comes back
// as one JSON frame.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/dify-chat/backend/internal/controller"
	"github.com/zhouzirui/dify-chat/backend/internal/middleware"
	chatservice "github.com/zhouzirui/dify-chat/backend/internal/service/chat"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

var errBusy = errors.New("an answer is already being generated")

// Handler WebSocket聊天处理器
type Handler struct {
	ctl      *controller.Controller
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(ctl *controller.Controller) *Handler {
	return &Handler{
		ctl: ctl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Mode string `json:"mode"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection 串行化写入并跟踪正在进行的一次问答
type connection struct {
	conn *websocket.Conn
	sess *chatservice.Session

	writeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *connection) send(msgType string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(outgoingMessage{
		Type:      msgType,
		SessionID: c.sess.ID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// view 把渲染事件作为帧发送
func (c *connection) view() controller.View {
	return controller.EventSink(func(ev controller.Event) error {
		return c.send(string(ev.Type), ev)
	})
}

func (c *connection) begin(parent context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, errBusy
	}
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	return ctx, nil
}

func (c *connection) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *connection) abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess := middleware.GetSession(r.Context())
	if sess == nil {
		http.Error(w, "session unavailable", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	detach := sess.Attach()
	defer detach()

	c := &connection{conn: conn, sess: sess}
	logger := log.With().Str("session", sess.ID).Logger()
	logger.Info().Msg("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		sess.Touch(time.Now().UTC())
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	identity, _ := sess.User()
	if err := c.send("connected", map[string]any{"user": identity}); err != nil {
		return
	}
	if err := h.ctl.Replay(sess, c.view()); err != nil {
		logger.Debug().Err(err).Msg("replay failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pingLoop(gctx, c)
	})
	g.Go(func() error {
		defer cancel()
		return h.readLoop(gctx, g, c)
	})
	g.Go(func() error {
		// unblocks ReadJSON once the connection is done
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug().Err(err).Msg("websocket closed with error")
	}
	logger.Info().Msg("websocket disconnected")
}

func (h *Handler) readLoop(ctx context.Context, g *errgroup.Group, c *connection) error {
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.abort()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return errors.Wrap(err, "read frame")
			}
			return nil
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.sess.Touch(time.Now().UTC())

		switch strings.ToLower(msg.Type) {
		case "prompt":
			h.startExchange(ctx, g, c, msg)
		case "abort":
			if !c.abort() {
				_ = c.send("error", controller.Event{Type: controller.EventError, Error: "Nothing to abort."})
			}
		case "replay":
			if err := h.ctl.Replay(c.sess, c.view()); err != nil {
				return errors.Wrap(err, "replay")
			}
			_ = c.view().RenderDone()
		default:
			_ = c.send("error", controller.Event{Type: controller.EventError, Error: "Unsupported message type."})
		}
	}
}

func (h *Handler) startExchange(ctx context.Context, g *errgroup.Group, c *connection, msg inboundMessage) {
	mode, ok := controller.ParseMode(msg.Mode)
	if !ok {
		_ = c.send("error", controller.Event{Type: controller.EventError, Error: "Mode must be blocking or streaming."})
		return
	}
	runCtx, err := c.begin(ctx)
	if err != nil {
		_ = c.send("error", controller.Event{Type: controller.EventError, Error: "An answer is already being generated."})
		return
	}

	g.Go(func() error {
		defer c.finish()
		if _, err := h.ctl.Submit(runCtx, c.sess, controller.Submission{Prompt: msg.Text, Mode: mode}, c.view()); err != nil {
			log.Debug().Err(err).Str("session", c.sess.ID).Msg("websocket exchange failed")
		}
		return nil
	})
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, c *connection) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return errors.Wrap(err, "ping")
			}
		}
	}
}

