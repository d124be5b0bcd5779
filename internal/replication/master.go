package replication

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"qaexchange/internal/config"
)

// Role is the node's current position in the replication group.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleMaster
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleCandidate:
		return "candidate"
	default:
		return "follower"
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// slaveConn is one connected follower's write-side socket, tracked by the
// master for fan-out and quorum counting.
type slaveConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *slaveConn) send(frame Frame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Node runs the replication state machine for one cluster member: batches
// outgoing WAL records when acting as master, or streams them in via
// FollowerStream when acting as follower/candidate. A follower becomes
// Candidate each time its election timer expires; heartbeats do not reset
// that timer, and no vote is held, so a candidate never becomes master.
type Node struct {
	cfg    config.ReplicationConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	role     Role
	term     uint64
	slaves   map[string]*slaveConn
	follower *FollowerStream

	pendingBatch [][]byte
	batchMu      sync.Mutex

	lastHeartbeat time.Time

	applyBatch func(WALRecordBatch) error
}

// NewNode creates a replication node in the configured starting role.
func NewNode(cfg config.ReplicationConfig, logger zerolog.Logger, applyBatch func(WALRecordBatch) error) *Node {
	role := RoleFollower
	if cfg.Role == "master" {
		role = RoleMaster
	}
	return &Node{
		cfg:        cfg,
		logger:     logger.With().Str("component", "replication.node").Logger(),
		role:       role,
		slaves:     make(map[string]*slaveConn),
		applyBatch: applyBatch,
	}
}

// Role returns the node's current role.
func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// Append queues a WAL record for the next outgoing batch. Only meaningful
// when this node is master; a no-op on followers.
func (n *Node) Append(record []byte) {
	if n.Role() != RoleMaster {
		return
	}
	n.batchMu.Lock()
	n.pendingBatch = append(n.pendingBatch, record)
	shouldFlush := len(n.pendingBatch) >= n.cfg.BatchMaxRecords
	n.batchMu.Unlock()

	if shouldFlush {
		n.flush()
	}
}

// Run starts the node's background loops: as master, the batch-flush
// ticker and heartbeat broadcaster; as follower/candidate, the
// FollowerStream reconnect loop and election timeout watchdog.
func (n *Node) Run(ctx context.Context) error {
	if n.Role() == RoleMaster {
		return n.runMaster(ctx)
	}
	return n.runFollower(ctx)
}

func (n *Node) runMaster(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.BatchMaxWait)
	defer ticker.Stop()
	heartbeat := time.NewTicker(n.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.flush()
		case <-heartbeat.C:
			n.broadcast(Frame{Type: MsgHeartbeat, Term: n.term})
		}
	}
}

func (n *Node) runFollower(ctx context.Context) error {
	n.mu.Lock()
	n.follower = NewFollowerStream(n.cfg.MasterAddr, n.logger)
	n.mu.Unlock()

	go func() {
		for batch := range n.follower.Batches() {
			if n.applyBatch != nil {
				if err := n.applyBatch(batch); err != nil {
					n.logger.Error().Err(err).Msg("apply replicated WAL batch")
				}
			}
		}
	}()

	electionTimer := time.NewTimer(n.cfg.ElectionTimeout)
	defer electionTimer.Stop()

	go func() {
		if err := n.follower.Run(ctx); err != nil && ctx.Err() == nil {
			n.logger.Error().Err(err).Msg("follower stream terminated")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-electionTimer.C:
			n.logger.Warn().Msg("election timeout elapsed, becoming candidate")
			n.mu.Lock()
			n.role = RoleCandidate
			n.mu.Unlock()
			electionTimer.Reset(n.cfg.ElectionTimeout)
		}
	}
}

// flush ships the pending batch to every connected slave. It does not wait
// for acknowledgements: broadcast counts successful sends and only logs a
// warning when fewer than QuorumSize-1 slaves received the batch.
func (n *Node) flush() {
	n.batchMu.Lock()
	if len(n.pendingBatch) == 0 {
		n.batchMu.Unlock()
		return
	}
	batch := WALRecordBatch{Records: n.pendingBatch}
	n.pendingBatch = nil
	n.batchMu.Unlock()

	payload, err := encodeBatch(batch)
	if err != nil {
		n.logger.Error().Err(err).Msg("encode WAL batch")
		return
	}
	n.broadcast(Frame{Type: MsgWALBatch, Term: n.term, Payload: payload})
}

func (n *Node) broadcast(frame Frame) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	acked := 0
	for addr, s := range n.slaves {
		if err := s.send(frame); err != nil {
			n.logger.Warn().Err(err).Str("slave", addr).Msg("send to slave failed")
			continue
		}
		acked++
	}
	if n.cfg.QuorumSize > 0 && acked < n.cfg.QuorumSize-1 {
		n.logger.Warn().Int("acked", acked).Int("quorum", n.cfg.QuorumSize).Msg("quorum not reached for replication flush")
	}
}

// HandleSlaveConn upgrades an inbound HTTP connection to the replication
// websocket and registers it as a slave, called from the server's
// /replication/stream handler.
func (n *Node) HandleSlaveConn(w http.ResponseWriter, r *http.Request, remoteAddr string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("replication: upgrade: %w", err)
	}
	n.mu.Lock()
	n.slaves[remoteAddr] = &slaveConn{conn: conn}
	n.mu.Unlock()
	return nil
}
