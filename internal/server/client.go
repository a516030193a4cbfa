package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/procsim/internal/simulation"
	"github.com/ChuLiYu/procsim/pkg/types"
)

// Client calls a remote Simulator service.
type Client struct {
	cc     grpc.ClientConnInterface
	conn   *grpc.ClientConn // nil when built from an existing connection
	health healthpb.HealthClient
}

// Dial connects to target over plaintext. Extra options are appended.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c := NewClient(conn)
	c.conn = conn
	return c, nil
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc, health: healthpb.NewHealthClient(cc)}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Snapshot fetches the session snapshot.
func (c *Client) Snapshot(ctx context.Context) (types.Snapshot, error) {
	var snap types.Snapshot
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetSnapshot", &emptypb.Empty{}, out); err != nil {
		return snap, err
	}
	if err := fromStruct(out, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// Admit admits a process and returns its pid. Zero spec fields are filled
// by the server's generator.
func (c *Client) Admit(ctx context.Context, spec simulation.ProcessSpec) (int64, error) {
	fields := map[string]any{}
	if spec.Name != "" {
		fields["name"] = spec.Name
	}
	if spec.BurstTime != 0 {
		fields["burst_time"] = float64(spec.BurstTime)
	}
	if spec.Priority != 0 {
		fields["priority"] = float64(spec.Priority)
	}
	if spec.Memory != 0 {
		fields["memory"] = float64(spec.Memory)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return 0, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "AdmitProcess", in, out); err != nil {
		return 0, err
	}
	return int64(out.GetFields()["pid"].GetNumberValue()), nil
}

// Terminate force-terminates pid.
func (c *Client) Terminate(ctx context.Context, pid int64) (bool, error) {
	return c.pidCall(ctx, "TerminateProcess", pid)
}

// Suspend blocks pid.
func (c *Client) Suspend(ctx context.Context, pid int64) (bool, error) {
	return c.pidCall(ctx, "SuspendProcess", pid)
}

// Resume unblocks pid.
func (c *Client) Resume(ctx context.Context, pid int64) (bool, error) {
	return c.pidCall(ctx, "ResumeProcess", pid)
}

func (c *Client) pidCall(ctx context.Context, method string, pid int64) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.invoke(ctx, method, wrapperspb.Int64(pid), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// Control sends a driver or demo action.
func (c *Client) Control(ctx context.Context, action string) error {
	return c.invoke(ctx, "Control", wrapperspb.String(action), new(emptypb.Empty))
}

// SetSpeed sets the pacing multiplier and returns the applied value.
func (c *Client) SetSpeed(ctx context.Context, speed float64) (float64, error) {
	out := new(wrapperspb.DoubleValue)
	if err := c.invoke(ctx, "SetSpeed", wrapperspb.Double(speed), out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Health returns the serving status of the Simulator service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
