// Package replication implements master/slave WAL shipping, heartbeat, and
// leader election. The follower's reconnect loop is grounded file-for-file
// on the teacher's internal/exchange/ws.go WSFeed: the same exponential
// backoff (1s -> 30s max), read-deadline-triggers-reconnect, and
// dispatch-by-message-type structure, generalized from "reconnect to an
// exchange market/user feed" to "reconnect to the current master and
// stream WAL record batches".
//
// The wire transport is gorilla/websocket (a teacher dependency, already
// grounded) framed with stdlib encoding/gob rather than a generated gRPC
// stub — protoc-generated code cannot be produced without running the Go
// toolchain, which this build forgoes entirely.
package replication

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	batchBufferSize  = 256
)

// MessageType discriminates frames on the replication stream.
type MessageType uint8

const (
	MsgHeartbeat MessageType = iota
	MsgWALBatch
	MsgVoteRequest
	MsgVoteGrant
	MsgSnapshotBootstrap
)

// Frame is the gob-encoded envelope shipped over the websocket connection.
type Frame struct {
	Type    MessageType
	Term    uint64
	Payload []byte
}

// WALRecordBatch is a batch of raw WAL frame bytes shipped from master to
// slave, respecting the spec's batching window (100 records or 10ms).
type WALRecordBatch struct {
	Records  [][]byte
	FromSeq  uint64
	ToSeq    uint64
}

func encodeFrame(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("replication: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return Frame{}, fmt.Errorf("replication: decode frame: %w", err)
	}
	return f, nil
}

func encodeBatch(b WALRecordBatch) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return nil, fmt.Errorf("replication: encode batch: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBatch(data []byte) (WALRecordBatch, error) {
	var b WALRecordBatch
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return WALRecordBatch{}, fmt.Errorf("replication: decode batch: %w", err)
	}
	return b, nil
}

// FollowerStream manages the websocket connection from a slave/candidate
// node to the current master, with auto-reconnect and heartbeat timeout
// detection — the same shape as WSFeed, renamed around replication's
// vocabulary.
type FollowerStream struct {
	masterAddr string
	conn       *websocket.Conn
	connMu     sync.Mutex

	batchCh chan WALRecordBatch
	voteCh  chan Frame

	logger zerolog.Logger
}

// NewFollowerStream creates a stream that will connect to masterAddr.
func NewFollowerStream(masterAddr string, logger zerolog.Logger) *FollowerStream {
	return &FollowerStream{
		masterAddr: masterAddr,
		batchCh:    make(chan WALRecordBatch, batchBufferSize),
		voteCh:     make(chan Frame, 8),
		logger:     logger.With().Str("component", "replication.follower").Logger(),
	}
}

// Batches returns the channel WAL record batches arrive on.
func (f *FollowerStream) Batches() <-chan WALRecordBatch { return f.batchCh }

// Run connects and maintains the connection with exponential backoff.
// Blocks until ctx is cancelled.
func (f *FollowerStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("replication stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *FollowerStream) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *FollowerStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.masterAddr, nil)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info().Str("master", f.masterAddr).Msg("replication stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *FollowerStream) dispatch(data []byte) {
	frame, err := decodeFrame(data)
	if err != nil {
		f.logger.Error().Err(err).Msg("dropping malformed replication frame")
		return
	}

	switch frame.Type {
	case MsgWALBatch:
		batch, err := decodeBatch(frame.Payload)
		if err != nil {
			f.logger.Error().Err(err).Msg("decode WAL batch")
			return
		}
		select {
		case f.batchCh <- batch:
		default:
			f.logger.Warn().Msg("batch channel full, dropping WAL batch")
		}
	case MsgVoteRequest, MsgVoteGrant:
		select {
		case f.voteCh <- frame:
		default:
		}
	case MsgHeartbeat:
		// read deadline reset above is enough; nothing further to do.
	default:
		f.logger.Debug().Uint8("type", uint8(frame.Type)).Msg("unknown replication frame type")
	}
}

func (f *FollowerStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeFrame(Frame{Type: MsgHeartbeat}); err != nil {
				f.logger.Warn().Err(err).Msg("heartbeat ping failed")
				return
			}
		}
	}
}

func (f *FollowerStream) writeFrame(frame Frame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("replication: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(websocket.BinaryMessage, data)
}
