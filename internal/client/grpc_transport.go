package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Metadata keys exchanged with backends
const (
	PartitionHeader = "x-qrs-partition"
	VersionHeader   = "x-qrs-protocol-version"
)

// TransportConfig tunes connections and circuit breakers
type TransportConfig struct {
	MaxRecvMsgSize   int
	MaxSendMsgSize   int
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// BreakerFailures is the number of consecutive failures that opens a cluster's breaker.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
	BreakerInterval    time.Duration

	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// GRPCTransport sends raw protocol payloads to backend clusters over gRPC
type GRPCTransport struct {
	addresses   map[string]string
	connections map[string]*grpc.ClientConn
	breakers    map[string]*gobreaker.CircuitBreaker
	mu          sync.RWMutex
	cfg         TransportConfig
	logger      *zap.Logger
}

// NewGRPCTransport creates a transport for clusters keyed by name
func NewGRPCTransport(addresses map[string]string, cfg TransportConfig, logger *zap.Logger) *GRPCTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 10 * time.Second
	}

	addrs := make(map[string]string, len(addresses))
	for k, v := range addresses {
		addrs[k] = v
	}
	return &GRPCTransport{
		addresses:   addrs,
		connections: make(map[string]*grpc.ClientConn),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		cfg:         cfg,
		logger:      logger,
	}
}

// Invoke sends req through the breaker of its cluster
func (t *GRPCTransport) Invoke(ctx context.Context, req *RPCRequest) ([]byte, int, error) {
	conn, breaker, err := t.getConnection(req.ClusterName)
	if err != nil {
		return nil, 0, err
	}

	if req.PartitionID >= 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, PartitionHeader, strconv.Itoa(req.PartitionID))
	}

	var header metadata.MD
	out, err := breaker.Execute(func() (interface{}, error) {
		var resp []byte
		callErr := conn.Invoke(ctx, req.Method, req.Body, &resp,
			grpc.ForceCodec(rawCodec{}),
			grpc.Header(&header))
		return resp, callErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, 0, status.Errorf(codes.Unavailable, "cluster %s: %v", req.ClusterName, err)
		}
		return nil, 0, err
	}

	version := 0
	if v := header.Get(VersionHeader); len(v) > 0 {
		version, _ = strconv.Atoi(v[0])
	}
	return out.([]byte), version, nil
}

// BreakerState returns the breaker state of cluster
func (t *GRPCTransport) BreakerState(cluster string) gobreaker.State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.breakers[cluster]; ok {
		return b.State()
	}
	return gobreaker.StateClosed
}

// getConnection returns or creates the connection and breaker of cluster
func (t *GRPCTransport) getConnection(cluster string) (*grpc.ClientConn, *gobreaker.CircuitBreaker, error) {
	t.mu.RLock()
	conn, exists := t.connections[cluster]
	breaker := t.breakers[cluster]
	t.mu.RUnlock()

	if exists {
		return conn, breaker, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check
	if conn, exists := t.connections[cluster]; exists {
		return conn, t.breakers[cluster], nil
	}

	addr, ok := t.addresses[cluster]
	if !ok {
		return nil, nil, status.Errorf(codes.NotFound, "no address for cluster %s", cluster)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if t.cfg.KeepaliveTime > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                t.cfg.KeepaliveTime,
			Timeout:             t.cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}))
	}
	var callOpts []grpc.CallOption
	if t.cfg.MaxRecvMsgSize > 0 {
		callOpts = append(callOpts, grpc.MaxCallRecvMsgSize(t.cfg.MaxRecvMsgSize))
	}
	if t.cfg.MaxSendMsgSize > 0 {
		callOpts = append(callOpts, grpc.MaxCallSendMsgSize(t.cfg.MaxSendMsgSize))
	}
	if len(callOpts) > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(callOpts...))
	}
	opts = append(opts, t.cfg.DialOptions...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     cluster,
		Interval: t.cfg.BreakerInterval,
		Timeout:  t.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Calls abandoned by the caller say nothing about the cluster.
			return err == nil || status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("Cluster breaker state change",
				zap.String("cluster", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	t.connections[cluster] = conn
	t.breakers[cluster] = breaker
	return conn, breaker, nil
}

// Close closes every connection
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for cluster, conn := range t.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.connections, cluster)
		delete(t.breakers, cluster)
	}
	return firstErr
}

// rawCodec passes already-encoded protocol payloads through gRPC untouched
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("raw codec cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return "qrs-raw"
}
