package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/devrev/qrs/internal/util/workerpool"
)

type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	handler func(ctx context.Context, req *RPCRequest) ([]byte, int, error)
}

func (f *fakeTransport) Invoke(ctx context.Context, req *RPCRequest) ([]byte, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.ClusterName)
	f.mu.Unlock()
	return f.handler(ctx, req)
}

func (f *fakeTransport) Close() error { return nil }

func newTestClient(t *testing.T, handler func(ctx context.Context, req *RPCRequest) ([]byte, int, error)) (*PooledFanoutClient, *fakeTransport) {
	t.Helper()
	pool := workerpool.New(workerpool.Config{Name: "test", Workers: 8})
	t.Cleanup(func() { pool.Stop(time.Second) })
	transport := &fakeTransport{handler: handler}
	return NewPooledFanoutClient(transport, pool, zap.NewNop()), transport
}

func TestPooledFanoutClient_CollectsAllReplies(t *testing.T) {
	c, transport := newTestClient(t, func(_ context.Context, req *RPCRequest) ([]byte, int, error) {
		if req.ClusterName == "bad" {
			return nil, 0, status.Error(codes.Internal, "backend exploded")
		}
		return []byte(req.ClusterName), 1, nil
	})

	batch, err := c.Submit(context.Background(), []*RPCRequest{
		{ClusterName: "c1", PartitionID: -1},
		{ClusterName: "c2", PartitionID: -1},
		{ClusterName: "bad", PartitionID: -1},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Expected())

	set := c.Join(batch, time.Now().Add(time.Second))
	assert.False(t, set.TimedOut)
	assert.Equal(t, 0, set.Missing())
	assert.Len(t, transport.calls, 3)

	byCluster := map[string]*Reply{}
	for _, r := range set.Replies {
		byCluster[r.RespondingClusterName()] = r
	}
	assert.Equal(t, []byte("c1"), byCluster["c1"].Payload())
	assert.Equal(t, 1, byCluster["c2"].ProtocolVersion())
	assert.True(t, byCluster["bad"].IsFailed())
	assert.Equal(t, codes.Internal, byCluster["bad"].ErrorCode())
	assert.Equal(t, codes.OK, byCluster["c1"].ErrorCode())
}

func TestPooledFanoutClient_DeadlineLeavesSlowCallsOut(t *testing.T) {
	c, _ := newTestClient(t, func(ctx context.Context, req *RPCRequest) ([]byte, int, error) {
		if req.ClusterName == "slow" {
			<-ctx.Done()
			return nil, 0, ctx.Err()
		}
		return []byte("ok"), 1, nil
	})

	batch, err := c.Submit(context.Background(), []*RPCRequest{
		{ClusterName: "fast", PartitionID: -1},
		{ClusterName: "slow", PartitionID: -1},
	})
	require.NoError(t, err)

	set := c.Join(batch, time.Now().Add(50*time.Millisecond))
	assert.True(t, set.TimedOut)
	require.Len(t, set.Replies, 1)
	assert.Equal(t, "fast", set.Replies[0].RespondingClusterName())
	assert.Equal(t, 1, set.Missing())
}

func TestPooledFanoutClient_PerCallTimeout(t *testing.T) {
	c, _ := newTestClient(t, func(ctx context.Context, req *RPCRequest) ([]byte, int, error) {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	})

	batch, err := c.Submit(context.Background(), []*RPCRequest{
		{ClusterName: "c1", PartitionID: -1, Timeout: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	set := c.Join(batch, time.Now().Add(time.Second))
	require.Len(t, set.Replies, 1)
	assert.True(t, set.Replies[0].IsFailed())
	assert.Equal(t, codes.DeadlineExceeded, set.Replies[0].ErrorCode())
}

func TestPooledFanoutClient_SubmitAfterCancel(t *testing.T) {
	c, _ := newTestClient(t, func(context.Context, *RPCRequest) ([]byte, int, error) { return nil, 1, nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Submit(ctx, []*RPCRequest{{ClusterName: "c1"}})
	assert.ErrorIs(t, err, context.Canceled)

	batch, err := c.Submit(context.Background(), nil)
	require.NoError(t, err)
	set := c.Join(batch, time.Now())
	assert.Empty(t, set.Replies)
	assert.False(t, set.TimedOut)
}

// echoServer answers every method with "<partition>:<body>" and announces protocol version 1.
func startEchoServer(t *testing.T, fail func() bool) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
			var body []byte
			if err := stream.RecvMsg(&body); err != nil {
				return err
			}
			if fail != nil && fail() {
				return status.Error(codes.Unavailable, "partition down")
			}
			partition := "all"
			if md, ok := metadata.FromIncomingContext(stream.Context()); ok {
				if v := md.Get(PartitionHeader); len(v) > 0 {
					partition = v[0]
				}
			}
			if err := stream.SetHeader(metadata.Pairs(VersionHeader, "1")); err != nil {
				return err
			}
			out := append([]byte(partition+":"), body...)
			return stream.SendMsg(&out)
		}),
	)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func TestGRPCTransport_Invoke(t *testing.T) {
	lis := startEchoServer(t, nil)
	transport := NewGRPCTransport(map[string]string{"c1": "passthrough:///bufnet"}, TransportConfig{
		DialOptions: []grpc.DialOption{bufDialer(lis)},
	}, zap.NewNop())
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, version, err := transport.Invoke(ctx, &RPCRequest{ClusterName: "c1", PartitionID: 3, Method: "/qrs.Searcher/Search", Body: []byte("q")})
	require.NoError(t, err)
	assert.Equal(t, "3:q", string(out))
	assert.Equal(t, 1, version)

	out, _, err = transport.Invoke(ctx, &RPCRequest{ClusterName: "c1", PartitionID: -1, Method: "/qrs.Searcher/Search", Body: []byte("q")})
	require.NoError(t, err)
	assert.Equal(t, "all:q", string(out))

	_, _, err = transport.Invoke(ctx, &RPCRequest{ClusterName: "unknown", Method: "/qrs.Searcher/Search"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPCTransport_BreakerOpens(t *testing.T) {
	lis := startEchoServer(t, func() bool { return true })
	transport := NewGRPCTransport(map[string]string{"c1": "passthrough:///bufnet"}, TransportConfig{
		BreakerFailures:    2,
		BreakerOpenTimeout: time.Minute,
		DialOptions:        []grpc.DialOption{bufDialer(lis)},
	}, zap.NewNop())
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req := &RPCRequest{ClusterName: "c1", PartitionID: -1, Method: "/qrs.Searcher/Search", Body: []byte("q")}

	for i := 0; i < 2; i++ {
		_, _, err := transport.Invoke(ctx, req)
		assert.Equal(t, codes.Unavailable, status.Code(err))
	}
	assert.Equal(t, gobreaker.StateOpen, transport.BreakerState("c1"))

	_, _, err := transport.Invoke(ctx, req)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Contains(t, err.Error(), "circuit breaker is open")
}

func TestRawCodec(t *testing.T) {
	var c rawCodec
	data, err := c.Marshal([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))

	var out []byte
	require.NoError(t, c.Unmarshal([]byte("xyz"), &out))
	assert.Equal(t, "xyz", string(out))

	_, err = c.Marshal("string")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(nil, out))
}
