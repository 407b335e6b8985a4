package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/devrev/qrs/internal/util/workerpool"
)

// RPCRequest is one backend call of a wave
type RPCRequest struct {
	ClusterName string
	// PartitionID pins the call to one partition; -1 addresses the whole cluster.
	PartitionID int
	Method      string
	Body        []byte
	Timeout     time.Duration
}

// Reply is the outcome of one RPCRequest
type Reply struct {
	ClusterName string
	PartitionID int
	Err         error
	Data        []byte
	Version     int
	Latency     time.Duration
}

// IsFailed reports whether the call produced no usable payload
func (r *Reply) IsFailed() bool {
	return r.Err != nil
}

// ErrorCode returns the transport status code of a failed call
func (r *Reply) ErrorCode() codes.Code {
	if r.Err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(r.Err); ok {
		return s.Code()
	}
	return status.FromContextError(r.Err).Code()
}

// Payload returns the raw response body
func (r *Reply) Payload() []byte {
	return r.Data
}

// RespondingClusterName returns the cluster that answered
func (r *Reply) RespondingClusterName() string {
	return r.ClusterName
}

// ProtocolVersion returns the version announced by the responder, 0 if unknown
func (r *Reply) ProtocolVersion() int {
	return r.Version
}

// ReplySet is the result of joining a batch
type ReplySet struct {
	Replies  []*Reply
	Expected int
	// TimedOut is set when the deadline passed before every reply arrived.
	TimedOut bool
}

// Missing returns the number of calls that never replied
func (s *ReplySet) Missing() int {
	return s.Expected - len(s.Replies)
}

// PendingBatch is a submitted wave awaiting Join
type PendingBatch struct {
	expected int
	replies  chan *Reply
	cancel   context.CancelFunc
}

// NewPendingBatch creates a batch expecting n replies. cancel, if set, is called once the batch is joined.
func NewPendingBatch(n int, cancel context.CancelFunc) *PendingBatch {
	if cancel == nil {
		cancel = func() {}
	}
	return &PendingBatch{
		expected: n,
		replies:  make(chan *Reply, n),
		cancel:   cancel,
	}
}

// Expected returns the number of calls in the batch
func (b *PendingBatch) Expected() int {
	return b.expected
}

// Deliver hands the reply of one call to the batch. It never blocks.
func (b *PendingBatch) Deliver(r *Reply) {
	b.replies <- r
}

// Wait collects replies until all arrived or deadline passes, then cancels calls still running
func (b *PendingBatch) Wait(deadline time.Time) *ReplySet {
	defer b.cancel()

	set := &ReplySet{Expected: b.expected, Replies: make([]*Reply, 0, b.expected)}
	if b.expected == 0 {
		return set
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for len(set.Replies) < b.expected {
		select {
		case reply := <-b.replies:
			set.Replies = append(set.Replies, reply)
		case <-timer.C:
			set.TimedOut = true
			return set
		}
	}
	return set
}

// FanoutClient issues a wave of backend calls and waits for them together
type FanoutClient interface {
	Submit(ctx context.Context, requests []*RPCRequest) (*PendingBatch, error)
	Join(batch *PendingBatch, deadline time.Time) *ReplySet
}

// Transport performs one backend call
type Transport interface {
	Invoke(ctx context.Context, req *RPCRequest) (payload []byte, version int, err error)
	Close() error
}

// PooledFanoutClient runs each call of a wave on a shared worker pool
type PooledFanoutClient struct {
	transport Transport
	pool      *workerpool.Pool
	logger    *zap.Logger
}

// NewPooledFanoutClient creates a fan-out client
func NewPooledFanoutClient(transport Transport, pool *workerpool.Pool, logger *zap.Logger) *PooledFanoutClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PooledFanoutClient{
		transport: transport,
		pool:      pool,
		logger:    logger,
	}
}

// Submit starts every call of the wave. Calls the pool refuses are reported as failed replies.
func (c *PooledFanoutClient) Submit(ctx context.Context, requests []*RPCRequest) (*PendingBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batchCtx, cancel := context.WithCancel(ctx)
	batch := NewPendingBatch(len(requests), cancel)

	for _, req := range requests {
		req := req
		reply := &Reply{ClusterName: req.ClusterName, PartitionID: req.PartitionID}
		job := workerpool.Job{
			Name: fmt.Sprintf("%s/%d%s", req.ClusterName, req.PartitionID, req.Method),
			Ctx:  batchCtx,
			Run: func(ctx context.Context) error {
				if req.Timeout > 0 {
					var cancelCall context.CancelFunc
					ctx, cancelCall = context.WithTimeout(ctx, req.Timeout)
					defer cancelCall()
				}
				start := time.Now()
				reply.Data, reply.Version, reply.Err = c.transport.Invoke(ctx, req)
				reply.Latency = time.Since(start)
				return reply.Err
			},
			Done: func(err error) {
				if err != nil && reply.Err == nil {
					reply.Err = status.Error(codes.Internal, err.Error())
				}
				batch.Deliver(reply)
			},
		}

		if err := c.pool.Submit(batchCtx, job); err != nil {
			c.logger.Warn("Failed to schedule backend call",
				zap.String("cluster", req.ClusterName),
				zap.Int("partition", req.PartitionID),
				zap.Error(err))
			reply.Err = status.Error(codes.ResourceExhausted, err.Error())
			batch.Deliver(reply)
		}
	}

	return batch, nil
}

// Join waits for every reply of batch or until deadline, whichever comes first.
// Calls still running at the deadline are cancelled and left out of the set.
func (c *PooledFanoutClient) Join(batch *PendingBatch, deadline time.Time) *ReplySet {
	set := batch.Wait(deadline)
	if set.TimedOut {
		c.logger.Warn("Wave deadline reached before all replies",
			zap.Int("expected", set.Expected),
			zap.Int("received", len(set.Replies)))
	}
	return set
}
