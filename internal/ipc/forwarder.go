package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	// ErrSendFailed is returned when the daemon could not be reached within the retry budget
	ErrSendFailed = errors.New("failed to send message to daemon")

	// ErrNoReply is returned when the daemon did not answer within the reply timeout
	ErrNoReply = errors.New("no reply from daemon")
)

// ForwarderConfig configures a Forwarder
type ForwarderConfig struct {
	// SocketPath is the daemon control socket
	SocketPath string

	// ReplyDir is where the private reply socket is created
	ReplyDir string

	// RetryCount is the number of additional send attempts after the first one fails
	RetryCount int

	// RetryInterval is the pause between send attempts
	RetryInterval time.Duration

	// ReplyTimeout bounds the wait for the status reply
	ReplyTimeout time.Duration
}

// DefaultForwarderConfig returns the core handler defaults
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		SocketPath:    "/tmp/memfault-ipc.sock",
		ReplyDir:      os.TempDir(),
		RetryCount:    10,
		RetryInterval: time.Second,
		ReplyTimeout:  60 * time.Second,
	}
}

// SendFunc transmits one datagram with its control data to addr
type SendFunc func(conn *net.UnixConn, payload, oob []byte, addr *net.UnixAddr) error

func sendMsg(conn *net.UnixConn, payload, oob []byte, addr *net.UnixAddr) error {
	n, oobn, err := conn.WriteMsgUnix(payload, oob, addr)
	if err != nil {
		return err
	}
	if n != len(payload) || oobn != len(oob) {
		return fmt.Errorf("short send: %d/%d bytes, %d/%d control bytes", n, len(payload), oobn, len(oob))
	}
	return nil
}

// Forwarder delivers a message and an optional descriptor to the daemon and
// waits for its status.
type Forwarder struct {
	config ForwarderConfig
	logger *zap.Logger
	send   SendFunc
}

// NewForwarder creates a forwarder
func NewForwarder(config ForwarderConfig, logger *zap.Logger) *Forwarder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ReplyDir == "" {
		config.ReplyDir = os.TempDir()
	}
	return &Forwarder{
		config: config,
		logger: logger.Named("forwarder"),
		send:   sendMsg,
	}
}

// Forward sends tag and args with file attached, then returns the status
// code the daemon replied with. The reply socket is removed on every return
// path, including cancellation of ctx.
func (f *Forwarder) Forward(ctx context.Context, file *os.File, tag string, args ...string) (int32, error) {
	payload, err := Encode(tag, args...)
	if err != nil {
		return 0, err
	}

	var oob []byte
	if file != nil {
		oob = unix.UnixRights(int(file.Fd()))
	}

	replyPath := filepath.Join(f.config.ReplyDir, fmt.Sprintf("memfault-core-handler-%s.sock", uuid.NewString()))
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: replyPath, Net: "unixgram"})
	if err != nil {
		return 0, fmt.Errorf("failed to bind reply socket %s: %w", replyPath, err)
	}
	defer func() {
		conn.Close()
		if err := os.Remove(replyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("Failed to remove reply socket", zap.String("path", replyPath), zap.Error(err))
		}
	}()

	if err := f.sendWithRetry(ctx, conn, payload, oob); err != nil {
		return 0, err
	}

	return f.awaitReply(ctx, conn)
}

func (f *Forwarder) sendWithRetry(ctx context.Context, conn *net.UnixConn, payload, oob []byte) error {
	addr := &net.UnixAddr{Name: f.config.SocketPath, Net: "unixgram"}
	attempts := f.config.RetryCount + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = f.send(conn, payload, oob, addr)
		if lastErr == nil {
			return nil
		}

		f.logger.Warn("Failed to send to daemon",
			zap.String("socket", f.config.SocketPath),
			zap.Int("attempt", attempt),
			zap.Int("attempts", attempts),
			zap.Error(lastErr))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.config.RetryInterval):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrSendFailed, attempts, lastErr)
}

func (f *Forwarder) awaitReply(ctx context.Context, conn *net.UnixConn) (int32, error) {
	if err := conn.SetReadDeadline(time.Now().Add(f.config.ReplyTimeout)); err != nil {
		return 0, fmt.Errorf("failed to set reply timeout: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 2*ReplySize)
	n, _, err := conn.ReadFromUnix(buf)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, fmt.Errorf("%w within %s", ErrNoReply, f.config.ReplyTimeout)
		}
		return 0, fmt.Errorf("failed to read reply: %w", err)
	}

	code, err := DecodeStatus(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoReply, err)
	}
	return code, nil
}
