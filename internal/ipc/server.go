package ipc

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/chainstate/contextstore/internal/backend"
	storeerrors "github.com/chainstate/contextstore/internal/errors"
	"github.com/chainstate/contextstore/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContextListener accepts reader connections on the writer's context IPC
// endpoint. Every accepted connection is served by its own goroutine, so
// a slow or stalled reader cannot block the others. Requests are resolved
// directly against the writer's in-process backend; GC calls are never
// exposed over the wire.
type ContextListener struct {
	listener net.Listener
	backend  backend.Backend
	logger   *zap.Logger
	metrics  *metrics.Metrics

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewContextListener binds the endpoint at socketPath. A stale socket
// file left by a previous run is removed first; the writer is the only
// legitimate owner of the path.
func NewContextListener(socketPath string, b backend.Backend, m *metrics.Metrics, logger *zap.Logger) (*ContextListener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, storeerrors.IpcTransport("bind", err).WithDetail("socket", socketPath)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, storeerrors.IpcTransport("bind", err).WithDetail("socket", socketPath)
	}

	logger.Info("Context IPC listener bound", zap.String("socket", socketPath))
	return &ContextListener{
		listener: listener,
		backend:  b,
		logger:   logger,
		metrics:  m,
	}, nil
}

// HandleIncomingConnections accepts connections until the listener is
// closed. Accept failures are logged and do not terminate the loop.
func (l *ContextListener) HandleIncomingConnections() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("Error accepting IPC connection", zap.Error(err))
			continue
		}

		id := uuid.NewString()
		l.logger.Info("Accepted context IPC connection", zap.String("conn_id", id))
		l.metrics.ConnectionOpened()

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.metrics.ConnectionClosed()
			server := &contextServer{
				conn:    conn,
				backend: l.backend,
				metrics: l.metrics,
				logger:  l.logger.With(zap.String("conn_id", id)),
			}
			if err := server.processContextRequests(); err != nil {
				server.logger.Error("Error when processing context IPC requests", zap.Error(err))
			}
		}()
	}
}

// Close stops accepting, waits for in-flight connection workers and
// removes the socket file.
func (l *ContextListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.listener.Close()
		l.wg.Wait()
		l.logger.Info("Context IPC listener closed")
	})
	return err
}

// contextServer serves one reader connection.
type contextServer struct {
	conn    net.Conn
	backend backend.Backend
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// processContextRequests receives commands until a ShutdownCall arrives
// or the reader disconnects. Terminating here ends only this
// connection's worker, never the listener.
func (s *contextServer) processContextRequests() error {
	defer s.conn.Close()

	for {
		tag, payload, err := ReadFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("Context IPC connection closed by reader")
				return nil
			}
			return storeerrors.IpcTransport("receive", err)
		}

		switch tag {
		case TagGetEntry:
			s.metrics.IncIpcRequest("get_entry")
			if err := s.handleGetEntry(payload); err != nil {
				return err
			}

		case TagContainsEntry:
			s.metrics.IncIpcRequest("contains_entry")
			if err := s.handleContainsEntry(payload); err != nil {
				return err
			}

		case TagShutdownCall:
			s.metrics.IncIpcRequest("shutdown")
			if err := WriteFrame(s.conn, TagShutdownResult, nil); err != nil {
				s.logger.Warn("Failed to send shutdown response", zap.Error(err))
			}
			s.logger.Info("Context IPC connection shut down by reader")
			return nil

		default:
			s.metrics.IncIpcError()
			return storeerrors.UnexpectedMessage("serve", tag.String())
		}
	}
}

func (s *contextServer) handleGetEntry(payload []byte) error {
	hash, err := DecodeHashPayload(payload)
	if err != nil {
		s.metrics.IncIpcError()
		return err
	}

	var response []byte
	value, found, err := s.backend.Get(hash)
	if err != nil {
		// Engine faults travel to the reader as remote errors; the
		// connection itself stays healthy.
		s.metrics.IncIpcError()
		s.logger.Error("Backend get failed",
			zap.Stringer("hash", hash),
			zap.Error(err))
		response = EncodeGetEntryResponse(nil, false, err.Error())
	} else {
		response = EncodeGetEntryResponse(value, found, "")
	}
	if err := WriteFrame(s.conn, TagGetEntryResponse, response); err != nil {
		return storeerrors.IpcTransport("send", err)
	}
	return nil
}

func (s *contextServer) handleContainsEntry(payload []byte) error {
	hash, err := DecodeHashPayload(payload)
	if err != nil {
		s.metrics.IncIpcError()
		return err
	}

	var response []byte
	found, err := s.backend.Contains(hash)
	if err != nil {
		s.metrics.IncIpcError()
		s.logger.Error("Backend contains failed",
			zap.Stringer("hash", hash),
			zap.Error(err))
		response = EncodeContainsEntryResponse(false, err.Error())
	} else {
		response = EncodeContainsEntryResponse(found, "")
	}
	if err := WriteFrame(s.conn, TagContainsEntryResponse, response); err != nil {
		return storeerrors.IpcTransport("send", err)
	}
	return nil
}
