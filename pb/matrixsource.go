package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// SignalSpecMsg is the wire shape of one condition's signal binding.
type SignalSpecMsg struct {
	SignalId          uint32
	SampleBufferSize  uint32
	MinSampleInterval uint32
	FixedWindowPeriod uint32
	IsConditionOnly   bool
	SignalType        string
}

// ConditionMsg is the wire shape of one condition; RootExprJSON carries the
// AST as a documented JSON grammar rather than a second protobuf message
// set, keeping this stub small while still exercising real grpc/protobuf
// types end to end.
type ConditionMsg struct {
	RootExprJSON            []byte
	Signals                 []*SignalSpecMsg
	MinPublishIntervalMs    uint64
	AfterDurationMs         uint64
	TriggerOnlyOnRisingEdge bool
	IncludeActiveDtcs       bool
	AlwaysEvaluate          bool
	IsStatic                bool
	CampaignId              string
	DecoderId               string
}

// InspectionMatrixMsg is the full matrix delivered by the collection-scheme
// manager.
type InspectionMatrixMsg struct {
	Conditions []*ConditionMsg
	IssuedAt   *timestamppb.Timestamp
	Version    string
}

// GetMatrixRequest asks for the currently assigned matrix for this vehicle.
type GetMatrixRequest struct {
	VehicleId string
}

// MatrixSourceClient is the hand-rolled client-shaped interface for the
// collection-scheme manager's matrix delivery RPC.
type MatrixSourceClient interface {
	GetInspectionMatrix(ctx context.Context, in *GetMatrixRequest, opts ...grpc.CallOption) (*InspectionMatrixMsg, error)
	StreamMatrixUpdates(ctx context.Context, in *GetMatrixRequest, opts ...grpc.CallOption) (MatrixSource_StreamMatrixUpdatesClient, error)
}

// MatrixSource_StreamMatrixUpdatesClient mirrors the generated streaming
// client interface shape for a server-streaming RPC.
type MatrixSource_StreamMatrixUpdatesClient interface {
	Recv() (*InspectionMatrixMsg, error)
	grpc.ClientStream
}

type matrixSourceClient struct {
	cc grpc.ClientConnInterface
}

// NewMatrixSourceClient wraps an established grpc.ClientConn.
func NewMatrixSourceClient(cc grpc.ClientConnInterface) MatrixSourceClient {
	return &matrixSourceClient{cc: cc}
}

func (c *matrixSourceClient) GetInspectionMatrix(ctx context.Context, in *GetMatrixRequest, opts ...grpc.CallOption) (*InspectionMatrixMsg, error) {
	out := new(InspectionMatrixMsg)
	if err := c.cc.Invoke(ctx, "/edgeagent.matrixsource.v1.MatrixSource/GetInspectionMatrix", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *matrixSourceClient) StreamMatrixUpdates(ctx context.Context, in *GetMatrixRequest, opts ...grpc.CallOption) (MatrixSource_StreamMatrixUpdatesClient, error) {
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{StreamName: "StreamMatrixUpdates", ServerStreams: true}, "/edgeagent.matrixsource.v1.MatrixSource/StreamMatrixUpdates", opts...)
	if err != nil {
		return nil, err
	}
	x := &matrixSourceStreamClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type matrixSourceStreamClient struct {
	grpc.ClientStream
}

func (x *matrixSourceStreamClient) Recv() (*InspectionMatrixMsg, error) {
	m := new(InspectionMatrixMsg)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
