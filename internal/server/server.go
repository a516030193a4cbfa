// ============================================================================
// Procsim gRPC Control Service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Expose a running session to remote display and control clients.
//
// Service procsim.v1.Simulator (payloads are protobuf well-known types):
//
//   GetSnapshot(Empty)            -> Struct       types.Snapshot as JSON
//   AdmitProcess(Struct)          -> Struct       {name, burst_time, priority,
//                                                  memory} -> {pid}
//   TerminateProcess(Int64Value)  -> BoolValue
//   SuspendProcess(Int64Value)    -> BoolValue
//   ResumeProcess(Int64Value)     -> BoolValue
//   Control(StringValue)          -> Empty        start | pause | resume |
//                                                  stop | demo-start |
//                                                  demo-stop | demo-reset
//   SetSpeed(DoubleValue)         -> DoubleValue  clamped multiplier
//
// Status codes:
//   ResourceExhausted   insufficient memory at admission
//   InvalidArgument     malformed request or unknown control action
//   FailedPrecondition  driver or demo already in the requested state
//
// The standard grpc.health.v1.Health service reports SERVING while up.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/procsim/internal/demo"
	"github.com/ChuLiYu/procsim/internal/process"
	"github.com/ChuLiYu/procsim/internal/resources"
	"github.com/ChuLiYu/procsim/internal/simulation"
	"github.com/ChuLiYu/procsim/pkg/types"
)

var log = slog.Default()

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "procsim.v1.Simulator"

// Control actions accepted by Control.
const (
	ActionStart     = "start"
	ActionPause     = "pause"
	ActionResume    = "resume"
	ActionStop      = "stop"
	ActionDemoStart = "demo-start"
	ActionDemoStop  = "demo-stop"
	ActionDemoReset = "demo-reset"
)

// Simulator is the session surface the service drives.
// *simulation.Session implements it.
type Simulator interface {
	Snapshot() types.Snapshot
	Admit(spec simulation.ProcessSpec) (process.PID, error)
	Terminate(pid process.PID) bool
	SuspendProcess(pid process.PID) bool
	ResumeProcess(pid process.PID) bool
	Start() error
	Pause() error
	Resume() error
	Stop() error
	StartDemo() error
	StopDemo() error
	ResetDemo()
	SetSpeed(speed float64) float64
}

// SimulatorServer is the handler set registered under ServiceName.
type SimulatorServer interface {
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	AdmitProcess(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TerminateProcess(context.Context, *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error)
	SuspendProcess(context.Context, *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error)
	ResumeProcess(context.Context, *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error)
	Control(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	SetSpeed(context.Context, *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error)
}

// Server hosts the Simulator and health services.
type Server struct {
	sim    Simulator
	grpc   *grpc.Server
	health *health.Server
}

// New builds a server around sim. Extra options are appended after the
// logging interceptor.
func New(sim Simulator, opts ...grpc.ServerOption) *Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logUnary)}, opts...)
	s := &Server{
		sim:    sim,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("gRPC server listening", "addr", lis.Addr().String(), "service", ServiceName)
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on port and serves.
func (s *Server) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return s.Serve(lis)
}

// Stop marks the services NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	log.Info("gRPC server stopped")
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("RPC failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		log.Debug("RPC served", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// Handlers
// ============================================================================

// GetSnapshot returns the session snapshot.
func (s *Server) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.sim.Snapshot())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return out, nil
}

// AdmitProcess admits a manually specified process.
func (s *Server) AdmitProcess(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	spec, err := specFromStruct(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	pid, err := s.sim.Admit(spec)
	switch {
	case err == nil:
	case errors.Is(err, resources.ErrInsufficientMemory):
		return nil, status.Errorf(codes.ResourceExhausted, "insufficient memory: %v", err)
	case errors.Is(err, simulation.ErrInvalidProcess):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"pid": float64(pid)})
}

// TerminateProcess force-terminates a process.
func (s *Server) TerminateProcess(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.sim.Terminate(process.PID(req.GetValue()))), nil
}

// SuspendProcess blocks a process on behalf of the user.
func (s *Server) SuspendProcess(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.sim.SuspendProcess(process.PID(req.GetValue()))), nil
}

// ResumeProcess unblocks a suspended process.
func (s *Server) ResumeProcess(ctx context.Context, req *wrapperspb.Int64Value) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.sim.ResumeProcess(process.PID(req.GetValue()))), nil
}

// Control drives the tick driver and the demo.
func (s *Server) Control(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	var err error
	switch action := req.GetValue(); action {
	case ActionStart:
		err = s.sim.Start()
	case ActionPause:
		err = s.sim.Pause()
	case ActionResume:
		err = s.sim.Resume()
	case ActionStop:
		err = s.sim.Stop()
	case ActionDemoStart:
		err = s.sim.StartDemo()
	case ActionDemoStop:
		err = s.sim.StopDemo()
	case ActionDemoReset:
		s.sim.ResetDemo()
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown control action %q", action)
	}

	switch {
	case err == nil:
		return &emptypb.Empty{}, nil
	case errors.Is(err, simulation.ErrAlreadyRunning), errors.Is(err, simulation.ErrNotRunning),
		errors.Is(err, demo.ErrAlreadyRunning), errors.Is(err, demo.ErrNotRunning):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, resources.ErrInsufficientMemory):
		return nil, status.Errorf(codes.ResourceExhausted, "insufficient memory: %v", err)
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

// SetSpeed sets the pacing multiplier and returns the clamped value.
func (s *Server) SetSpeed(ctx context.Context, req *wrapperspb.DoubleValue) (*wrapperspb.DoubleValue, error) {
	v := req.GetValue()
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "speed must be a positive number, got %v", v)
	}
	return wrapperspb.Double(s.sim.SetSpeed(v)), nil
}

// ============================================================================
// Payload conversion
// ============================================================================

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func specFromStruct(req *structpb.Struct) (simulation.ProcessSpec, error) {
	var spec simulation.ProcessSpec
	fields := req.GetFields()

	if v, ok := fields["name"]; ok {
		name, isString := v.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return spec, errors.New("name must be a string")
		}
		spec.Name = name.StringValue
	}

	ints := []struct {
		key string
		set func(int64)
	}{
		{"burst_time", func(n int64) { spec.BurstTime = n }},
		{"priority", func(n int64) { spec.Priority = int(n) }},
		{"memory", func(n int64) { spec.Memory = int(n) }},
	}
	for _, f := range ints {
		v, ok := fields[f.key]
		if !ok {
			continue
		}
		num, isNumber := v.GetKind().(*structpb.Value_NumberValue)
		if !isNumber || num.NumberValue != math.Trunc(num.NumberValue) {
			return spec, fmt.Errorf("%s must be an integer", f.key)
		}
		f.set(int64(num.NumberValue))
	}

	for key := range fields {
		switch key {
		case "name", "burst_time", "priority", "memory":
		default:
			return spec, fmt.Errorf("unknown field %q", key)
		}
	}
	return spec, nil
}

// ============================================================================
// Service descriptor
// ============================================================================

// unary adapts a typed handler to grpc.MethodDesc.
func unary[Req, Resp any](method string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetSnapshot", (*Server).GetSnapshot),
		unary("AdmitProcess", (*Server).AdmitProcess),
		unary("TerminateProcess", (*Server).TerminateProcess),
		unary("SuspendProcess", (*Server).SuspendProcess),
		unary("ResumeProcess", (*Server).ResumeProcess),
		unary("Control", (*Server).Control),
		unary("SetSpeed", (*Server).SetSpeed),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procsim/v1/simulator.proto",
}
