package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dMaggot/pymw/internal/protocol"
)

// Retry defaults for rank connection establishment.
var (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// RankConn wraps a connection to one rank agent. Each RankConn carries a
// single request and is used by a single goroutine, except for Kill.
type RankConn struct {
	addr string
	conn net.Conn

	closeOnce sync.Once
	mu        sync.Mutex
	killed    bool
}

// DialRank connects to the rank agent at addr, retrying with exponential
// backoff on connection failure.
func DialRank(ctx context.Context, addr string) (*RankConn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial rank %s: %w", addr, ctx.Err())
		default:
		}

		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial rank %s: %w", addr, ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		// Set overall deadline from context if present.
		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				conn.Close()
				return nil, fmt.Errorf("set deadline: %w", err)
			}
		}

		return &RankConn{addr: addr, conn: conn}, nil
	}

	return nil, fmt.Errorf("dial rank %s after %d attempts: %w", addr, dialMaxRetries, lastErr)
}

// Run sends a run request and reads back streaming log lines and the final
// result. Each log line is passed to logWriter as it arrives.
func (rc *RankConn) Run(req protocol.RankRequest, logWriter func(string)) (protocol.RankResponse, error) {
	req.Type = protocol.ReqTypeRun
	if err := protocol.WriteRequest(rc.conn, &req); err != nil {
		return protocol.RankResponse{}, fmt.Errorf("send request: %w", err)
	}
	return rc.readMessages(logWriter)
}

// readMessages reads RankMessage frames until the result arrives.
func (rc *RankConn) readMessages(logWriter func(string)) (protocol.RankResponse, error) {
	for {
		var msg protocol.RankMessage
		if err := protocol.ReadRankMessage(rc.conn, &msg); err != nil {
			return protocol.RankResponse{}, fmt.Errorf("read rank message: %w", err)
		}

		switch msg.Type {
		case protocol.MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Line)
			}
		case protocol.MsgTypeResult:
			if msg.Response == nil {
				return protocol.RankResponse{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return protocol.RankResponse{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Ping checks that the rank agent answers.
func (rc *RankConn) Ping() error {
	if err := protocol.WriteRequest(rc.conn, &protocol.RankRequest{Type: protocol.ReqTypePing}); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	var msg protocol.RankMessage
	if err := protocol.ReadMessage(rc.conn, &msg); err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if msg.Type != protocol.MsgTypePong {
		return fmt.Errorf("unexpected reply to ping: %q", msg.Type)
	}
	return nil
}

// Kill closes the connection, which makes the rank agent kill the worker
// process. It implements pool.Handle and is safe to call more than once.
func (rc *RankConn) Kill() error {
	rc.mu.Lock()
	rc.killed = true
	rc.mu.Unlock()
	return rc.Close()
}

// Killed reports whether Kill was called.
func (rc *RankConn) Killed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.killed
}

// Close closes the underlying connection.
func (rc *RankConn) Close() error {
	var err error
	rc.closeOnce.Do(func() {
		err = rc.conn.Close()
	})
	return err
}
