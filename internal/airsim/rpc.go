// Package airsim is a msgpack-rpc client for AirSim-compatible simulators.
// It implements the capability interfaces in internal/sim over a single TCP
// connection: one writer, one reader goroutine multiplexing responses to
// pending calls by message ID, which is how the simulator's own client
// libraries interleave long-running motion commands with pose queries.
package airsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

// msgpack-rpc message type tags.
const (
	typeRequest  = 0
	typeResponse = 1
)

// ErrConnectionClosed is returned for calls issued or pending after the
// connection shuts down.
var ErrConnectionClosed = errors.New("airsim: connection closed")

// RemoteError is an error string raised by the simulator side of a call.
type RemoteError struct {
	Method string
	Detail string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("airsim: %s: %s", e.Method, e.Detail)
}

type rpcRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	Type     int
	ID       uint32
	Method   string
	Params   []any
}

type rpcResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	Type     int
	ID       uint32
	Error    msgpack.RawMessage
	Result   msgpack.RawMessage
}

type pendingCall struct {
	method string
	done   chan struct{}
	result msgpack.RawMessage
	err    error
}

// conn is the shared msgpack-rpc connection.
type conn struct {
	tcp net.Conn

	writeMu sync.Mutex
	enc     *msgpack.Encoder

	mu      sync.Mutex
	pending map[uint32]*pendingCall
	closed  bool

	nextID uint32
}

func dial(ctx context.Context, address string) (*conn, error) {
	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("airsim: dialing %s: %w", address, err)
	}

	c := &conn{
		tcp:     tcp,
		enc:     msgpack.NewEncoder(tcp),
		pending: make(map[uint32]*pendingCall),
	}
	go c.readLoop()
	return c, nil
}

func (c *conn) readLoop() {
	dec := msgpack.NewDecoder(c.tcp)
	for {
		var resp rpcResponse
		if err := dec.Decode(&resp); err != nil {
			c.failAll(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return
		}
		if resp.Type != typeResponse {
			continue
		}
		c.mu.Lock()
		call, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if remoteErr := decodeRemoteError(call.method, resp.Error); remoteErr != nil {
			call.err = remoteErr
		} else {
			call.result = resp.Result
		}
		close(call.done)
	}
}

// decodeRemoteError interprets the error slot of a response. The simulator
// encodes nil on success and a string or arbitrary object on failure.
func decodeRemoteError(method string, raw msgpack.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := msgpack.Unmarshal(raw, &v); err != nil || v == nil {
		return nil
	}
	return &RemoteError{Method: method, Detail: fmt.Sprint(v)}
}

func (c *conn) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, call := range c.pending {
		call.err = err
		close(call.done)
		delete(c.pending, id)
	}
}

// start issues a request and registers a pending call for its response.
func (c *conn) start(method string, params ...any) (*pendingCall, error) {
	if params == nil {
		params = []any{}
	}
	id := atomic.AddUint32(&c.nextID, 1)
	call := &pendingCall{method: method, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = call
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(rpcRequest{Type: typeRequest, ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("airsim: sending %s: %w", method, err)
	}
	return call, nil
}

// wait blocks until the call completes or ctx is canceled. On cancellation
// the response is discarded when it eventually arrives.
func (c *conn) wait(ctx context.Context, call *pendingCall, out any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.done:
	}
	if call.err != nil {
		return call.err
	}
	if out == nil || len(call.result) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(call.result, out); err != nil {
		return fmt.Errorf("airsim: decoding %s result: %w", call.method, err)
	}
	return nil
}

// call is a synchronous request/response round trip.
func (c *conn) call(ctx context.Context, out any, method string, params ...any) error {
	pc, err := c.start(method, params...)
	if err != nil {
		return err
	}
	return c.wait(ctx, pc, out)
}

func (c *conn) close() error {
	c.failAll(ErrConnectionClosed)
	return c.tcp.Close()
}
