package src

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mrvillage/quarrel-go/src/gateway"
	"github.com/mrvillage/quarrel-go/src/rest"
	"github.com/mrvillage/quarrel-go/src/structs"
)

// EventHandler receives the decoded payload of one dispatch frame.
type EventHandler func(ctx context.Context, event *structs.DispatchEvent)

type ClientArguments struct {
	Token   string
	Intents gateway.GatewayIntent

	ShardID    int
	ShardCount int

	Logger *slog.Logger
}

// Client ties the rate-limited REST executor and a gateway session together
// and fans dispatch frames out to registered handlers. Handlers are bound
// through explicit On calls at startup; there is no implicit registration.
type Client struct {
	Rest    *rest.Client
	Session *gateway.Session

	mu       sync.RWMutex
	handlers map[structs.EventName][]EventHandler

	log *slog.Logger
}

func NewClient(args ClientArguments) *Client {
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	restClient := rest.NewClient(rest.Arguments{
		Token:  args.Token,
		Logger: args.Logger,
	})
	session := gateway.NewSession(gateway.Arguments{
		Token:      args.Token,
		Intents:    args.Intents,
		ShardID:    args.ShardID,
		ShardCount: args.ShardCount,
		Rest:       restClient,
		Logger:     args.Logger,
	})
	return &Client{
		Rest:     restClient,
		Session:  session,
		handlers: make(map[structs.EventName][]EventHandler),
		log:      args.Logger,
	}
}

// On registers a handler for an event name. Multiple handlers per event run
// in registration order.
func (c *Client) On(event structs.EventName, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// Run opens the gateway and pulls dispatch frames until the context ends or
// the session dies with a non-recoverable closure.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Session.Open(ctx); err != nil {
		return err
	}
	defer c.Close(ctx)
	for {
		event, err := c.Session.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		c.dispatch(ctx, event)
	}
}

func (c *Client) dispatch(ctx context.Context, event *structs.DispatchEvent) {
	c.mu.RLock()
	handlers := c.handlers[event.Type]
	c.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, event)
	}
}

func (c *Client) Close(ctx context.Context) {
	c.Session.Close(ctx)
	c.Rest.Close()
}
