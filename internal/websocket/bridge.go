package websocket

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/channel"
	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/registry"
)

// PrincipalHeader is where the handshake presents the identity obtained out
// of band from the identity provider. A `principal` query parameter is
// accepted as a fallback for clients that cannot set headers.
const PrincipalHeader = "X-Parley-Principal"

// Bridge upgrades HTTP requests to WebSocket connections and binds them into
// the connection registry. It owns no presence or message state of its own.
type Bridge struct {
	registry *registry.Registry
	service  *channel.Service
	validate *validator.Validate
}

// NewBridge wires the transport against the registry and channel service.
func NewBridge(reg *registry.Registry, service *channel.Service) *Bridge {
	return &Bridge{
		registry: reg,
		service:  service,
		validate: validator.New(),
	}
}

func (b *Bridge) principalFrom(c echo.Context) (domain.Principal, error) {
	raw := c.Request().Header.Get(PrincipalHeader)
	if raw == "" {
		raw = c.QueryParam("principal")
	}
	if err := b.validate.Var(raw, "required,max=128,printascii"); err != nil {
		return "", domain.ErrHandshakeRejected
	}
	return domain.Principal(raw), nil
}

// Handler returns the echo handler that accepts WebSocket handshakes.
// A rejected handshake is fatal only to that connection attempt.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := b.principalFrom(c)
		if err != nil {
			slog.Warn("handshake rejected", "remote", c.RealIP(), "error", err)
			return c.String(http.StatusUnauthorized, "missing or invalid principal")
		}

		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true, // In production, check origin.
		})
		if err != nil {
			slog.Error("websocket upgrade failed", "principal", principal, "error", err)
			return err
		}

		client := &Client{
			id:        uuid.NewString(),
			principal: principal,
			conn:      conn,
			send:      make(chan []byte, sendBufferSize),
			done:      make(chan struct{}),
			bridge:    b,
		}

		// Registration delivers the presence snapshot into the send buffer
		// before the write pump starts, so the snapshot precedes any delta.
		handle, err := b.registry.Register(client)
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, "handshake rejected")
			return c.String(http.StatusUnauthorized, "handshake rejected")
		}
		client.handle = handle

		go client.writePump()
		go client.readPump()

		return nil
	}
}
