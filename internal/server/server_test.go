package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/procsim/internal/config"
	"github.com/ChuLiYu/procsim/internal/simulation"
)

func newTestSession(t *testing.T) *simulation.Session {
	t.Helper()
	cfg := config.Default()
	cfg.Resources.TotalMemory = 1000
	cfg.Simulation.Seed = 3
	cfg.Simulation.TickInterval = time.Millisecond
	cfg.Simulation.Probabilities.Admit = 0
	cfg.Simulation.Probabilities.Block = 0
	cfg.Simulation.Probabilities.Unblock = 0

	s, err := simulation.NewSession(cfg, simulation.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// startServer serves sim over an in-memory listener and returns a client.
func startServer(t *testing.T, sim Simulator) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(sim)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHealth(t *testing.T) {
	client := startServer(t, newTestSession(t))
	st, err := client.Health(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)
}

func TestAdmitAndSnapshot(t *testing.T) {
	sess := newTestSession(t)
	client := startServer(t, sess)
	ctx := testContext(t)

	pid, err := client.Admit(ctx, simulation.ProcessSpec{Name: "Chrome", BurstTime: 100, Priority: 3, Memory: 200})
	require.NoError(t, err)
	assert.Equal(t, int64(1), pid)

	sess.Tick()

	snap, err := client.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap.Running)
	assert.Equal(t, "Chrome", snap.Running.Name)
	assert.Equal(t, int64(90), snap.Running.RemainingTime)
	require.NotNil(t, snap.Running.StartTime)
	assert.Equal(t, 800, snap.Resources.MemoryAvailable)
	assert.Equal(t, sess.ID(), snap.Driver.SessionID)
	assert.NotEmpty(t, snap.Events)
	assert.Equal(t, "shortest-remaining-time", snap.Stats.Policy)
}

func TestAdmitErrors(t *testing.T) {
	client := startServer(t, newTestSession(t))
	ctx := testContext(t)

	_, err := client.Admit(ctx, simulation.ProcessSpec{Name: "Huge", BurstTime: 10, Memory: 5000})
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Contains(t, err.Error(), "insufficient memory")

	_, err = client.Admit(ctx, simulation.ProcessSpec{Name: "Bad", Priority: 42})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// raw requests the typed client never sends
	raw := func(fields map[string]any) error {
		in, err := structpb.NewStruct(fields)
		require.NoError(t, err)
		return client.invoke(ctx, "AdmitProcess", in, new(structpb.Struct))
	}
	assert.Equal(t, codes.InvalidArgument, status.Code(raw(map[string]any{"burst_time": 1.5})))
	assert.Equal(t, codes.InvalidArgument, status.Code(raw(map[string]any{"name": 7.0})))
	assert.Equal(t, codes.InvalidArgument, status.Code(raw(map[string]any{"cpus": 2.0})))
}

func TestTerminateSuspendResume(t *testing.T) {
	sess := newTestSession(t)
	client := startServer(t, sess)
	ctx := testContext(t)

	a, err := client.Admit(ctx, simulation.ProcessSpec{Name: "A", BurstTime: 100, Memory: 10})
	require.NoError(t, err)
	b, err := client.Admit(ctx, simulation.ProcessSpec{Name: "B", BurstTime: 100, Memory: 10})
	require.NoError(t, err)

	ok, err := client.Suspend(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.Resume(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Terminate(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.Terminate(ctx, a)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = client.Terminate(ctx, 999)
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Stats.ForcedTerminations)
	assert.Equal(t, 990, snap.Resources.MemoryAvailable)
}

func TestControl(t *testing.T) {
	sess := newTestSession(t)
	client := startServer(t, sess)
	ctx := testContext(t)

	require.NoError(t, client.Control(ctx, ActionStart))
	assert.True(t, sess.Running())
	assert.Equal(t, codes.FailedPrecondition, status.Code(client.Control(ctx, ActionStart)))

	require.NoError(t, client.Control(ctx, ActionPause))
	assert.True(t, sess.Paused())
	require.NoError(t, client.Control(ctx, ActionResume))
	assert.False(t, sess.Paused())

	require.NoError(t, client.Control(ctx, ActionDemoStart))
	assert.Equal(t, codes.FailedPrecondition, status.Code(client.Control(ctx, ActionDemoStart)))
	require.NoError(t, client.Control(ctx, ActionDemoReset))
	require.NoError(t, client.Control(ctx, ActionDemoStop))
	assert.Equal(t, codes.FailedPrecondition, status.Code(client.Control(ctx, ActionDemoStop)))

	require.NoError(t, client.Control(ctx, ActionStop))
	assert.False(t, sess.Running())
	assert.Equal(t, codes.FailedPrecondition, status.Code(client.Control(ctx, ActionStop)))

	assert.Equal(t, codes.InvalidArgument, status.Code(client.Control(ctx, "reboot")))
}

func TestSetSpeed(t *testing.T) {
	client := startServer(t, newTestSession(t))
	ctx := testContext(t)

	v, err := client.SetSpeed(ctx, 2.5)
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	v, err = client.SetSpeed(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)

	_, err = client.SetSpeed(ctx, -1)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealthAfterStop(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := New(newTestSession(t))
	go func() { _ = srv.Serve(lis) }()

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	defer client.Close()

	st, err := client.Health(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	srv.Stop()
	_, err = client.Health(testContext(t))
	assert.Error(t, err)
}
