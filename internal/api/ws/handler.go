package ws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/AgentOS/workerhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/workerhost/internal/launcher"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	outboxSize     = 16
)

// Message types exchanged with clients
const (
	TypeSystem = "system"
	TypeEvent  = "event"
	TypeFilter = "filter"
	TypePing   = "ping"
	TypePong   = "pong"
	TypeError  = "error"
)

// Message is the envelope for everything sent in either direction
type Message struct {
	Type       string               `json:"type"`
	Subscriber string               `json:"subscriber,omitempty"`
	Message    string               `json:"message,omitempty"`
	Events     []launcher.EventType `json:"events,omitempty"`
	Event      *launcher.Event      `json:"event,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware governs origins
	},
}

// Handler streams launcher lifecycle events over websockets
type Handler struct {
	bus     *launcher.Bus
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewHandler creates a websocket handler. metrics may be nil.
func NewHandler(bus *launcher.Bus, metrics *monitoring.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// HandleConnection upgrades the request and streams events until either
// side goes away or the bus closes
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		outbox:  make(chan Message, outboxSize),
		done:    make(chan struct{}),
		handler: h,
	}
	events, cancel := h.bus.Subscribe(s.id)
	defer cancel()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
		defer h.metrics.DecWSConnections()
	}
	h.logger.Debug("Event subscriber connected", zap.String("subscriber", s.id))

	s.enqueue(Message{
		Type:       TypeSystem,
		Subscriber: s.id,
		Message:    "subscribed to worker events",
	})

	go s.writeLoop(events)
	s.readLoop()
	s.close()

	h.logger.Debug("Event subscriber disconnected", zap.String("subscriber", s.id))
}

func (h *Handler) record(direction, msgType string) {
	if h.metrics != nil {
		h.metrics.RecordWSMessage(direction, msgType)
	}
}

type session struct {
	id      string
	conn    *websocket.Conn
	outbox  chan Message
	done    chan struct{}
	once    sync.Once
	filter  atomic.Pointer[map[launcher.EventType]struct{}]
	handler *Handler
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *session) enqueue(m Message) {
	select {
	case s.outbox <- m:
	case <-s.done:
	}
}

func (s *session) wants(t launcher.EventType) bool {
	f := s.filter.Load()
	if f == nil {
		return true
	}
	_, ok := (*f)[t]
	return ok
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.handler.logger.Debug("WebSocket read error", zap.String("subscriber", s.id), zap.Error(err))
			}
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.enqueue(Message{Type: TypeError, Message: "invalid message"})
			continue
		}
		s.handler.record("in", msg.Type)

		switch msg.Type {
		case TypePing:
			s.enqueue(Message{Type: TypePong})
		case TypeFilter:
			if len(msg.Events) == 0 {
				s.filter.Store(nil)
			} else {
				set := make(map[launcher.EventType]struct{}, len(msg.Events))
				for _, e := range msg.Events {
					set[e] = struct{}{}
				}
				s.filter.Store(&set)
			}
			s.enqueue(Message{Type: TypeFilter, Events: msg.Events})
		default:
			s.enqueue(Message{Type: TypeError, Message: "unknown message type"})
		}
	}
}

func (s *session) writeLoop(events <-chan launcher.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "launcher shut down"),
					time.Now().Add(writeWait))
				return
			}
			if !s.wants(e.Type) {
				continue
			}
			if err := s.write(Message{Type: TypeEvent, Event: &e}); err != nil {
				return
			}
		case m := <-s.outbox:
			if err := s.write(m); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) write(m Message) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.handler.record("out", m.Type)
	return nil
}
