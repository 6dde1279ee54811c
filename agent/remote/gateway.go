package remote

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
)

// Registry is the server side of the protocol
type Registry interface {
	Heartbeat(info agent.RuntimeInfo) (agent.Instruction, error)
	Known(uuid string) bool
}

// Gateway upgrades agent connections and answers their pings
type Gateway struct {
	agents   Registry
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewGateway creates a gateway answering for agents
func NewGateway(agents Registry, log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = logger.Logger
	}
	return &Gateway{
		agents: agents,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			// Agents are not browsers; there is no origin to check
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:   logger.AddAgentSymbol(log.Named("gateway")),
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warnw("Agent websocket upgrade failed",
			logger.FieldAddress, r.RemoteAddr,
			logger.FieldError, err)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		conn.Close()
		return
	}
	g.conns[conn] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
		conn.Close()
		g.wg.Done()
	}()

	g.serve(conn, r.RemoteAddr)
}

// Connected is the number of open agent connections
func (g *Gateway) Connected() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close drops every connection and waits for their handlers
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	for conn := range g.conns {
		conn.Close()
	}
	g.mu.Unlock()
	g.wg.Wait()
}

func (g *Gateway) serve(conn *websocket.Conn, remote string) {
	var writeMu sync.Mutex
	write := func(f Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(f)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var in Frame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				g.log.Warnw("Agent connection read error",
					logger.FieldAddress, remote,
					logger.FieldError, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		out, fatal := g.handle(in, remote)
		if err := write(out); err != nil {
			g.log.Debugw("Agent connection write failed", logger.FieldError, err)
			return
		}
		if fatal {
			writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, out.Error),
				time.Now().Add(writeWait))
			writeMu.Unlock()
			return
		}
	}
}

// handle answers one frame; fatal closes the connection after the reply
func (g *Gateway) handle(in Frame, remote string) (out Frame, fatal bool) {
	if in.Type != FramePing || in.Runtime == nil {
		return Frame{Type: FrameError, Error: "expected a ping frame with runtime info"}, false
	}
	info := *in.Runtime
	if info.IPAddress == "" {
		info.IPAddress = hostOf(remote)
	}

	known := g.agents.Known(info.UUID)
	instr, err := g.agents.Heartbeat(info)
	switch {
	case errors.Is(err, errors.ErrForbidden):
		g.log.Warnw("Agent rejected",
			logger.FieldAgentUUID, info.UUID,
			logger.FieldHostname, info.Hostname,
			logger.FieldError, err)
		return Frame{Type: FrameError, Error: err.Error()}, true
	case err != nil:
		return Frame{Type: FrameError, Error: err.Error()}, false
	case !known:
		return Frame{Type: FrameReregister}, false
	}
	return Frame{Type: FrameInstruction, Instruction: instr}, false
}

func hostOf(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
