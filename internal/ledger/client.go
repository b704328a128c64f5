package ledger

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/faults"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// Client owns the shared ledger connection.
//
// Thread-safety: safe for concurrent use. Concurrent callers that find the
// connection missing share one dial.
type Client struct {
	dial Dialer
	log  *zap.Logger

	mu      sync.Mutex
	node    Node
	dialing chan struct{}
	dialErr error
}

// NewClient creates a Client that connects with dial on first use.
func NewClient(dial Dialer, opts ...ClientOption) *Client {
	c := &Client{
		dial: dial,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the connection if it is not already up.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.conn(ctx)
	return err
}

// Connected reports whether a connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node != nil
}

// SubmitOperation signs and submits op, returning its notification stream.
// A failed submission is returned as is and never retried.
func (c *Client) SubmitOperation(ctx context.Context, sender string, signer Signer, op Operation) (Stream, error) {
	node, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := node.SubmitAndWatch(ctx, sender, signer, op)
	if err != nil {
		if faults.IsCode(err, faults.CodeConnection) {
			c.drop(node)
		}
		return nil, err
	}
	return stream, nil
}

// QueryAccountState reads the balance breakdown of address.
func (c *Client) QueryAccountState(ctx context.Context, address string) (AccountState, error) {
	return withRetry(ctx, c, "account state", func(n Node) (AccountState, error) {
		return n.AccountState(ctx, address)
	})
}

// QueryChainStats reads the network summary.
func (c *Client) QueryChainStats(ctx context.Context) (ChainStats, error) {
	return withRetry(ctx, c, "chain stats", func(n Node) (ChainStats, error) {
		return n.ChainStats(ctx)
	})
}

// QueryMetadata reads the chain metadata offered to wallet extensions.
func (c *Client) QueryMetadata(ctx context.Context) (ChainMetadata, error) {
	return withRetry(ctx, c, "metadata", func(n Node) (ChainMetadata, error) {
		return n.Metadata(ctx)
	})
}

// Close drops the connection. The next call dials again.
func (c *Client) Close() error {
	c.mu.Lock()
	node := c.node
	c.node = nil
	c.mu.Unlock()

	if node == nil {
		return nil
	}
	return node.Close()
}

// withRetry runs fn once, and once more on a fresh connection if the first
// attempt failed with a connection error.
func withRetry[T any](ctx context.Context, c *Client, what string, fn func(Node) (T, error)) (T, error) {
	var zero T

	node, err := c.conn(ctx)
	if err != nil {
		return zero, err
	}
	v, err := fn(node)
	if err == nil || !faults.IsCode(err, faults.CodeConnection) {
		return v, err
	}

	c.log.Info("ledger connection lost, reconnecting", zap.String("query", what), zap.Error(err))
	c.drop(node)

	node, err = c.conn(ctx)
	if err != nil {
		return zero, err
	}
	return fn(node)
}

func (c *Client) conn(ctx context.Context) (Node, error) {
	for {
		c.mu.Lock()
		if c.node != nil {
			node := c.node
			c.mu.Unlock()
			return node, nil
		}
		if wait := c.dialing; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, faults.Connection("waiting for ledger connection", ctx.Err())
			}
			c.mu.Lock()
			err := c.dialErr
			c.mu.Unlock()
			if err != nil {
				return nil, err
			}
			continue
		}
		done := make(chan struct{})
		c.dialing = done
		c.mu.Unlock()

		node, err := c.dial(ctx)
		if err != nil && !faults.IsCode(err, faults.CodeConnection) {
			err = faults.Connection("dial ledger", err)
		}

		c.mu.Lock()
		c.dialing = nil
		c.dialErr = err
		if err == nil {
			c.node = node
		}
		c.mu.Unlock()
		close(done)

		if err != nil {
			c.log.Warn("ledger dial failed", zap.Error(err))
			return nil, err
		}
		c.log.Debug("ledger connected")
		return node, nil
	}
}

// drop forgets node if it is still the current connection.
func (c *Client) drop(node Node) {
	c.mu.Lock()
	if c.node != node {
		c.mu.Unlock()
		return
	}
	c.node = nil
	c.mu.Unlock()

	if err := node.Close(); err != nil {
		c.log.Debug("closing dropped ledger connection", zap.Error(err))
	}
}
