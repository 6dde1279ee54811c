package remote

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/drover/agent"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
)

// DefaultPingInterval between agent pings
const DefaultPingInterval = 10 * time.Second

// ClientOptions configures an agent-side Client
type ClientOptions struct {
	ServerURL     string        // http(s) or ws(s) base URL of the server
	Interval      time.Duration // zero means DefaultPingInterval
	Reconnect     time.Duration // delay before redialling; zero means Interval
	Runtime       func() agent.RuntimeInfo
	OnInstruction func(agent.Instruction)
	Logger        *zap.SugaredLogger
}

// Client pings the server on behalf of a running agent
type Client struct {
	opts   ClientOptions
	dialer *websocket.Dialer
	log    *zap.SugaredLogger
}

// NewClient creates a client for opts.ServerURL
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.NewInvalidRequestError("agent client needs a runtime source")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultPingInterval
	}
	if opts.Reconnect <= 0 {
		opts.Reconnect = opts.Interval
	}
	if opts.OnInstruction == nil {
		opts.OnInstruction = func(agent.Instruction) {}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	return &Client{
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: writeWait},
		log:    logger.AddAgentSymbol(log.Named("client")),
	}, nil
}

// URL is the websocket endpoint the client dials
func (c *Client) URL() string {
	base := strings.TrimSuffix(c.opts.ServerURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + Path
}

// Run keeps a connection open and pings until ctx is done. A rejected agent
// ends Run with the server's error.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errors.ErrForbidden) {
			return err
		}
		c.log.Warnw("Agent connection lost, reconnecting",
			logger.FieldURL, c.URL(),
			logger.FieldError, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.Reconnect):
		}
	}
}

// session serves one connection
func (c *Client) session(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.URL(), http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return errors.Wrapf(err, "failed to dial %s", c.URL())
	}
	defer conn.Close()

	// Unblock reads when the context ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadLimit(maxMessageSize)
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		if err := c.ping(conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case <-ticker.C:
		}
	}
}

// ping sends one runtime snapshot and handles the reply
func (c *Client) ping(conn *websocket.Conn) error {
	info := c.opts.Runtime()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(Frame{Type: FramePing, Runtime: &info}); err != nil {
		return errors.Wrap(err, "failed to send ping")
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return errors.Wrap(err, "failed to read reply")
	}

	switch reply.Type {
	case FrameInstruction:
		if reply.Instruction != agent.InstructionNone && reply.Instruction != "" {
			c.log.Infow("Instruction received", "instruction", reply.Instruction)
			c.opts.OnInstruction(reply.Instruction)
		}
	case FrameReregister:
		c.log.Infow("Registered with server, awaiting approval", logger.FieldAgentUUID, info.UUID)
	case FrameError:
		// The server closes the connection after a fatal error
		if _, _, err := conn.NextReader(); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				return errors.Mark(errors.Newf("server rejected agent: %s", reply.Error), errors.ErrForbidden)
			}
		}
		return errors.Newf("server error: %s", reply.Error)
	default:
		return errors.Newf("unexpected frame type %q", reply.Type)
	}
	return nil
}
