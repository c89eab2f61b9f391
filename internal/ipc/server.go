package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Dispatcher routes a message to its handler. handled is false when no
// handler claims the tag.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) (handled bool, err error)
}

// Server receives control messages on a datagram socket and dispatches them
// one at a time.
type Server struct {
	path       string
	dispatcher Dispatcher
	logger     *zap.Logger

	mu   sync.Mutex
	conn *net.UnixConn

	messagesReceived metric.Int64Counter
	messagesFailed   metric.Int64Counter
}

// NewServer creates a server for the socket at path
func NewServer(path string, dispatcher Dispatcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		path:       path,
		dispatcher: dispatcher,
		logger:     logger.Named("ipc"),
	}
	s.initializeMetrics(otel.Meter("faultd/ipc"))
	return s
}

func (s *Server) initializeMetrics(meter metric.Meter) {
	var err error
	s.messagesReceived, err = meter.Int64Counter(
		"faultd_ipc_messages_total",
		metric.WithDescription("Control messages received"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Debug("Failed to create messages counter", zap.Error(err))
	}

	s.messagesFailed, err = meter.Int64Counter(
		"faultd_ipc_message_errors_total",
		metric.WithDescription("Control messages whose handler failed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Debug("Failed to create message errors counter", zap.Error(err))
	}
}

// Listen binds the socket, replacing a stale socket file left by a previous run
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}

	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: s.path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.logger.Info("Listening for control messages", zap.String("socket", s.path))
	return nil
}

// Addr returns the socket path
func (s *Server) Addr() string {
	return s.path
}

// Serve reads and dispatches messages until ctx is done or the socket is closed
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	buf := make([]byte, MaxMessageSize)
	oob := make([]byte, unix.CmsgSpace(4*4))

	for {
		n, oobn, flags, addr, err := conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Failed to receive control message", zap.Error(err))
			continue
		}

		msg, err := s.decode(buf[:n], oob[:oobn], flags)
		if err != nil {
			s.logger.Warn("Dropping malformed control message", zap.Error(err))
			continue
		}

		s.handle(ctx, conn, msg, addr)
	}
}

func (s *Server) decode(payload, oob []byte, flags int) (*Message, error) {
	fds, err := parseRights(oob)
	if err != nil {
		return nil, err
	}

	// Extra descriptors are never used.
	for _, fd := range fds[min(1, len(fds)):] {
		unix.Close(fd)
	}

	fail := func(err error) (*Message, error) {
		if len(fds) > 0 {
			unix.Close(fds[0])
		}
		return nil, err
	}

	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		return fail(fmt.Errorf("message truncated (flags 0x%x)", flags))
	}

	tag, args, err := Decode(payload)
	if err != nil {
		return fail(err)
	}

	msg := &Message{Tag: tag, Args: args}
	if len(fds) > 0 {
		msg.FD = NewTransferredFD(fds[0], "ipc-"+tag)
	}
	return msg, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("failed to parse control data: %w", err)
	}

	var fds []int
	for i := range cmsgs {
		rights, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func (s *Server) handle(ctx context.Context, conn *net.UnixConn, msg *Message, addr *net.UnixAddr) {
	defer msg.Close()

	tagAttr := metric.WithAttributes(attribute.String("tag", msg.Tag))
	if s.messagesReceived != nil {
		s.messagesReceived.Add(ctx, 1, tagAttr)
	}

	handled, err := s.dispatcher.Dispatch(ctx, msg)
	if !handled {
		s.logger.Debug("No plugin for control message", zap.String("tag", msg.Tag))
		return
	}

	status := StatusOK
	if err != nil {
		status = StatusError
		if s.messagesFailed != nil {
			s.messagesFailed.Add(ctx, 1, tagAttr)
		}
		s.logger.Error("Control message handler failed",
			zap.String("tag", msg.Tag),
			zap.Error(err))
	}

	if addr == nil || addr.Name == "" {
		return
	}
	if _, err := conn.WriteToUnix(EncodeStatus(status), addr); err != nil {
		s.logger.Warn("Failed to reply to control message",
			zap.String("tag", msg.Tag),
			zap.String("peer", addr.Name),
			zap.Error(err))
	}
}

// Close closes the socket and removes its file
func (s *Server) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		s.logger.Debug("Failed to remove socket file", zap.Error(rmErr))
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
