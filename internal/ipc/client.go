package ipc

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/chainstate/contextstore/internal/errors"
	"github.com/chainstate/contextstore/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultCallTimeout bounds one whole request/response exchange.
	// Unusually long because the writer may be busy applying a block.
	DefaultCallTimeout = 30 * time.Second

	// DefaultIOTimeout caps a single receive attempt so a stalled read
	// is observed well before the call deadline.
	DefaultIOTimeout = 10 * time.Second

	// DefaultConnectWindow is how long TryConnect waits for the writer
	// to create the socket before giving up.
	DefaultConnectWindow = 5 * time.Second

	defaultPollInterval = 500 * time.Millisecond
)

// ClientOptions tune the client's deadlines. Zero fields take defaults.
type ClientOptions struct {
	CallTimeout   time.Duration
	IOTimeout     time.Duration
	ConnectWindow time.Duration
	PollInterval  time.Duration
}

func (o *ClientOptions) withDefaults() ClientOptions {
	opts := ClientOptions{}
	if o != nil {
		opts = *o
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	if opts.ConnectWindow <= 0 {
		opts.ConnectWindow = DefaultConnectWindow
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return opts
}

// ContextClient is a reader process's connection to the writer's context
// IPC endpoint. The mutex serializes the send/receive pair: at most one
// request is in flight per connection, by construction.
type ContextClient struct {
	mu     sync.Mutex
	conn   net.Conn
	opts   ClientOptions
	logger *zap.Logger
}

// TryConnect dials the writer's endpoint at socketPath. The writer may
// still be starting, so the socket file's existence is polled for up to
// the connect window before dialing.
func TryConnect(socketPath string, opts *ClientOptions, logger *zap.Logger) (*ContextClient, error) {
	o := opts.withDefaults()

	deadline := time.Now().Add(o.ConnectWindow)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.IpcTransport("connect", os.ErrNotExist).
				WithDetail("socket", socketPath)
		}
		time.Sleep(o.PollInterval)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errors.IpcTransport("connect", err).WithDetail("socket", socketPath)
	}

	logger.Info("Connected to context IPC endpoint", zap.String("socket", socketPath))
	return &ContextClient{
		conn:   conn,
		opts:   o,
		logger: logger,
	}, nil
}

// GetEntry fetches the value stored under hash on the writer side.
// An engine-side failure is reported as a remote error, distinct from
// transport failures.
func (c *ContextClient) GetEntry(hash model.EntryHash) (model.ContextValue, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := c.call("get_entry", TagGetEntry, hash[:], TagGetEntryResponse)
	if err != nil {
		return nil, false, err
	}
	value, found, remote, err := DecodeGetEntryResponse(payload)
	if err != nil {
		return nil, false, err
	}
	if remote != "" {
		return nil, false, errors.Remote("get_entry", remote)
	}
	return value, found, nil
}

// ContainsEntry checks existence of hash on the writer side.
func (c *ContextClient) ContainsEntry(hash model.EntryHash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := c.call("contains_entry", TagContainsEntry, hash[:], TagContainsEntryResponse)
	if err != nil {
		return false, err
	}
	found, remote, err := DecodeContainsEntryResponse(payload)
	if err != nil {
		return false, err
	}
	if remote != "" {
		return false, errors.Remote("contains_entry", remote)
	}
	return found, nil
}

// Shutdown asks the server to terminate this connection's worker. The
// listener itself keeps serving other connections.
func (c *ContextClient) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.call("shutdown", TagShutdownCall, nil, TagShutdownResult)
	return err
}

// Close tears the connection down without the shutdown handshake.
func (c *ContextClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// call sends one request and receives its response. Callers hold c.mu.
func (c *ContextClient) call(op string, reqTag MessageTag, payload []byte, wantTag MessageTag) ([]byte, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.IOTimeout)); err != nil {
		return nil, errors.IpcTransport(op, err)
	}
	if err := WriteFrame(c.conn, reqTag, payload); err != nil {
		return nil, errors.IpcTransport(op, err)
	}

	tag, resp, err := c.receive(op)
	if err != nil {
		return nil, err
	}
	if tag != wantTag {
		return nil, errors.UnexpectedMessage(op, tag.String())
	}
	return resp, nil
}

// receive reads one response frame. The overall call deadline is
// composed of bounded read attempts, so a stalled peer surfaces as a
// sequence of observed timeouts rather than one silent long block.
func (c *ContextClient) receive(op string) (MessageTag, []byte, error) {
	deadline := time.Now().Add(c.opts.CallTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil, errors.IpcTimeout(op, nil)
		}
		attempt := c.opts.IOTimeout
		if remaining < attempt {
			attempt = remaining
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(attempt)); err != nil {
			return 0, nil, errors.IpcTransport(op, err)
		}

		cr := &countingReader{r: c.conn}
		tag, payload, err := ReadFrame(cr)
		if err == nil {
			return tag, payload, nil
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			if cr.consumed > 0 {
				// The frame was cut mid-read. Retrying would resume
				// from the middle of the stream and desync every
				// response after it.
				return 0, nil, errors.IpcTransport(op, err)
			}
			c.logger.Debug("IPC receive attempt timed out, retrying",
				zap.String("op", op),
				zap.Duration("remaining", time.Until(deadline)))
			continue
		}
		if errors.GetCode(err) == errors.ErrCodeSerialization {
			return 0, nil, err
		}
		return 0, nil, errors.IpcTransport(op, err)
	}
}

// countingReader records how many bytes of the current frame have been
// consumed, so a timeout mid-frame is distinguishable from an idle wait.
type countingReader struct {
	r        io.Reader
	consumed int
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.consumed += n
	return n, err
}
