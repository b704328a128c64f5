package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roach88/availwatch/internal/faults"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// detail returns Data as plain text when it is a JSON string.
func (e *rpcError) detail() string {
	if len(e.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// rpcMessage is any frame the node sends: a response or a subscription notice.
type rpcMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Method string          `json:"method,omitempty"`
	Params *struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params,omitempty"`
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

// subscription receives notices for one subscription id. closed is called at
// most once, with the reason the connection ended.
type subscription struct {
	id     string // set before the first notice is delivered
	notify func(json.RawMessage)
	closed func(error)
}

type pendingCall struct {
	reply chan rpcResponse
	sub   *subscription // registered when the response arrives
}

// rpcConn is one JSON-RPC 2.0 session over a WebSocket.
//
// Thread-safety: Call and Subscribe are safe for concurrent use. Writes are
// serialized; a single read loop dispatches responses and notices.
type rpcConn struct {
	ws      *websocket.Conn
	log     *zap.Logger
	timeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	subs    map[string]*subscription
	err     error // set once the read loop exits

	done chan struct{}
}

func dialRPC(ctx context.Context, url string, timeout time.Duration, log *zap.Logger) (*rpcConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, faults.Connection("dial "+url, err)
	}

	c := &rpcConn{
		ws:      ws,
		log:     log,
		timeout: timeout,
		pending: make(map[uint64]*pendingCall),
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call invokes method and decodes its result into out (which may be nil).
func (c *rpcConn) Call(ctx context.Context, out any, method string, params ...any) error {
	raw, err := c.roundTrip(ctx, method, params, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// Subscribe starts a subscription. The returned id identifies it for
// Unsubscribe. Notices that arrive before Subscribe returns are not lost.
func (c *rpcConn) Subscribe(ctx context.Context, method string, params []any, sub *subscription) (string, error) {
	raw, err := c.roundTrip(ctx, method, params, sub)
	if err != nil {
		return "", err
	}
	id, err := subscriptionID(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	return id, nil
}

// Unsubscribe stops delivery for id and tells the node. Errors are logged only.
func (c *rpcConn) Unsubscribe(method, id string) {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.Call(ctx, nil, method, id); err != nil {
		c.log.Debug("unsubscribe failed", zap.String("method", method), zap.String("subscription", id), zap.Error(err))
	}
}

// Done is closed when the connection is no longer usable.
func (c *rpcConn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Pending calls fail and subscriptions are
// closed with a connection error.
func (c *rpcConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *rpcConn) roundTrip(ctx context.Context, method string, params []any, sub *subscription) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	call := &pendingCall{reply: make(chan rpcResponse, 1), sub: sub}
	c.pending[id] = call
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, faults.Connection("send "+method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	select {
	case resp := <-call.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		forget()
		return nil, faults.Connection(method+" timed out", ctx.Err())
	}
}

func (c *rpcConn) readLoop() {
	var cause error
	for {
		var msg rpcMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			cause = err
			break
		}
		c.dispatch(&msg)
	}

	err := faults.Connection("ledger connection closed", cause)

	c.mu.Lock()
	c.err = err
	pending := c.pending
	subs := c.subs
	c.pending = map[uint64]*pendingCall{}
	c.subs = map[string]*subscription{}
	c.mu.Unlock()

	for _, call := range pending {
		call.reply <- rpcResponse{err: err}
	}
	for _, sub := range subs {
		sub.closed(err)
	}
	close(c.done)
}

func (c *rpcConn) dispatch(msg *rpcMessage) {
	if msg.ID != nil {
		c.mu.Lock()
		call, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		if ok && call.sub != nil && msg.Error == nil {
			if id, err := subscriptionID(msg.Result); err == nil {
				call.sub.id = id
				c.subs[id] = call.sub
			}
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if msg.Error != nil {
			call.reply <- rpcResponse{err: msg.Error}
			return
		}
		call.reply <- rpcResponse{result: msg.Result}
		return
	}

	if msg.Params == nil {
		return
	}
	id, err := subscriptionID(msg.Params.Subscription)
	if err != nil {
		return
	}
	c.mu.Lock()
	sub, ok := c.subs[id]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("notice for unknown subscription", zap.String("method", msg.Method), zap.String("subscription", id))
		return
	}
	sub.notify(msg.Params.Result)
}

// subscriptionID accepts both string and numeric subscription ids.
func subscriptionID(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatUint(n, 10), nil
	}
	return "", fmt.Errorf("invalid subscription id %s", string(raw))
}
