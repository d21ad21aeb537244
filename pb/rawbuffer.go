// Package pb holds hand-written gRPC-client-shaped stubs for the agent's
// two out-of-core-scope collaborators: the raw-data buffer manager and the
// collection-scheme manager. There is no .proto/protoc step here — these
// are real google.golang.org/grpc and protobuf types wired by hand, the
// way a small internal service boundary is sometimes stood up before a
// shared .proto is carved out.
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// UsageHintStage identifies which lifecycle stage a handle usage hint
// refers to, mirroring spec §3's three hint points: in-history-buffer,
// selected-for-upload, outside-history-buffer.
type UsageHintStage int32

const (
	StageInHistoryBuffer UsageHintStage = iota
	StageSelectedForUpload
	StageOutsideHistoryBuffer
)

// UsageHintRequest reports a handle's lifecycle transition to the raw-data
// buffer manager.
type UsageHintRequest struct {
	SignalId uint32
	Handle   uint32
	Stage    UsageHintStage
	Release  bool
}

// UsageHintResponse acknowledges receipt; the manager's own bookkeeping is
// out of scope.
type UsageHintResponse struct {
	Acknowledged bool
}

// RawBufferManagerClient is the hand-rolled client-shaped interface a real
// generated stub would provide.
type RawBufferManagerClient interface {
	ReportUsageHint(ctx context.Context, in *UsageHintRequest, opts ...grpc.CallOption) (*UsageHintResponse, error)
}

// rawBufferManagerClient is the concrete gRPC-backed implementation.
type rawBufferManagerClient struct {
	cc grpc.ClientConnInterface
}

// NewRawBufferManagerClient wraps an established grpc.ClientConn.
func NewRawBufferManagerClient(cc grpc.ClientConnInterface) RawBufferManagerClient {
	return &rawBufferManagerClient{cc: cc}
}

func (c *rawBufferManagerClient) ReportUsageHint(ctx context.Context, in *UsageHintRequest, opts ...grpc.CallOption) (*UsageHintResponse, error) {
	out := new(UsageHintResponse)
	err := c.cc.Invoke(ctx, "/edgeagent.rawbuffer.v1.RawBufferManager/ReportUsageHint", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MockRawBufferManagerClient is an in-process stand-in used by tests and
// by deployments with no raw-data manager reachable; it records every
// hint in Hints and acknowledges it, following the teacher's
// MockLedgerClient precedent.
type MockRawBufferManagerClient struct {
	Hints []*UsageHintRequest
}

func (m *MockRawBufferManagerClient) ReportUsageHint(ctx context.Context, in *UsageHintRequest, opts ...grpc.CallOption) (*UsageHintResponse, error) {
	m.Hints = append(m.Hints, in)
	return &UsageHintResponse{Acknowledged: true}, nil
}
