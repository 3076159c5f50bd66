package admin_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	mirrorsync "github.com/fluxmq/mirrorsync"
	"github.com/fluxmq/mirrorsync/admin"
	"github.com/fluxmq/mirrorsync/bq"
	"github.com/fluxmq/mirrorsync/bq/memqueue"
	"github.com/fluxmq/mirrorsync/membership/inproc"
)

// dialService starts a grpc.Server with admin.ServiceDesc registered
// against svc, over an in-memory bufconn listener, and returns a
// client connection to it.
func dialService(t *testing.T, svc admin.Server) *grpc.ClientConn {
	t.Helper()

	var grpcServer = grpc.NewServer()
	grpcServer.RegisterService(&admin.ServiceDesc, svc)

	var lis = bufconn.Listen(1024 * 1024)
	go func() { _ = grpcServer.Serve(lis) }()

	var conn, err = grpc.NewClient(
		"passthrough:///bufconn",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(admin.CodecName)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
		_ = lis.Close()
	})
	return conn
}

func TestSetMaximumSinceUseRejectsNegativeAge(t *testing.T) {
	var master = mirrorsync.NewMaster(memqueue.New(), inproc.New(), mirrorsync.Hooks{}, mirrorsync.MasterConfig{})
	var conn = dialService(t, &admin.Service{Master: master})

	var req = &admin.SetMaximumSinceUseRequest{AgeMillis: -1}
	var resp admin.SetMaximumSinceUseResponse
	var err = conn.Invoke(context.Background(), "/mirrorsync.Admin/SetMaximumSinceUse", req, &resp)
	require.Error(t, err)

	var st, ok = status.FromError(err)
	require.True(t, ok)
	require.Equal(t, "age must be non-negative", st.Message())
}

func TestSetMaximumSinceUseAppliesOverRPC(t *testing.T) {
	var applied = make(chan time.Duration, 1)
	var masterQueue = memqueue.New(bq.Record{Msg: bq.Msg{ID: "m1"}})
	var master = mirrorsync.NewMaster(masterQueue, inproc.New(),
		mirrorsync.Hooks{ApplyMaxSinceUse: func(age time.Duration) { applied <- age }},
		mirrorsync.MasterConfig{BatchSize: 1})
	var conn = dialService(t, &admin.Service{Master: master})

	var req = &admin.SetMaximumSinceUseRequest{AgeMillis: 1500}
	var resp admin.SetMaximumSinceUseResponse
	require.NoError(t, conn.Invoke(context.Background(), "/mirrorsync.Admin/SetMaximumSinceUse", req, &resp))

	// The cast is only drained at a flush boundary; run a round over the
	// same master so it gets a chance to apply.
	var binding = &mirrorsync.MirrorBinding{
		Replica:         mirrorsync.NewReplica("mirror-1"),
		Queue:           memqueue.New(),
		Depth:           1,
		RefreshRamTimer: func() {},
	}
	var _, err = master.SyncMirrors(context.Background(), []*mirrorsync.MirrorBinding{binding})
	require.NoError(t, err)

	select {
	case age := <-applied:
		require.Equal(t, 1500*time.Millisecond, age)
	case <-time.After(time.Second):
		t.Fatal("ApplyMaxSinceUse was never invoked")
	}
}

// TestCancelSyncMirrorsOverRPC drives a round through RPC-issued
// cancellation, confirming the gRPC boundary forwards to the same
// synchronous Master.Cancel machinery exercised directly in
// scenarios_test.go's TestCancelDuringFold.
func TestCancelSyncMirrorsOverRPC(t *testing.T) {
	var masterQueue = memqueue.New(
		bq.Record{Msg: bq.Msg{ID: "m1"}},
		bq.Record{Msg: bq.Msg{ID: "m2"}},
		bq.Record{Msg: bq.Msg{ID: "m3"}},
	)
	var started = make(chan struct{}, 1)
	var hooks = mirrorsync.Hooks{EmitStats: func(mirrorsync.Stats) {
		select {
		case started <- struct{}{}:
		default:
		}
	}}
	var master = mirrorsync.NewMaster(masterQueue, inproc.New(), hooks, mirrorsync.MasterConfig{BatchSize: 1})
	var conn = dialService(t, &admin.Service{Master: master})

	var binding = &mirrorsync.MirrorBinding{
		Replica:         mirrorsync.NewReplica("mirror-1"),
		Queue:           memqueue.New(),
		Depth:           3,
		RefreshRamTimer: func() {},
	}

	var outcome mirrorsync.Outcome
	var roundErr error
	var done = make(chan struct{})
	go func() {
		outcome, roundErr = master.SyncMirrors(context.Background(), []*mirrorsync.MirrorBinding{binding})
		close(done)
	}()

	<-started

	var req = &admin.CancelSyncMirrorsRequest{Reason: "operator requested stop via rpc"}
	var resp admin.CancelSyncMirrorsResponse
	require.NoError(t, conn.Invoke(context.Background(), "/mirrorsync.Admin/CancelSyncMirrors", req, &resp))

	<-done
	require.Error(t, roundErr)
	require.Equal(t, mirrorsync.OutcomeCancelled, outcome)
}

func TestCancelSyncMirrorsRequiresReason(t *testing.T) {
	var master = mirrorsync.NewMaster(memqueue.New(), inproc.New(), mirrorsync.Hooks{}, mirrorsync.MasterConfig{})
	var conn = dialService(t, &admin.Service{Master: master})

	var req = &admin.CancelSyncMirrorsRequest{}
	var resp admin.CancelSyncMirrorsResponse
	var err = conn.Invoke(context.Background(), "/mirrorsync.Admin/CancelSyncMirrors", req, &resp)
	require.Error(t, err)
}
