package matrixsource

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ridgeline-motors/edge-agent/internal/condition"
	"github.com/ridgeline-motors/edge-agent/pb"
)

// GRPCSource fetches and streams InspectionMatrix updates from the
// collection-scheme manager over the hand-rolled pb.MatrixSourceClient
// contract.
type GRPCSource struct {
	client    pb.MatrixSourceClient
	vehicleID string
	pending   atomic.Pointer[condition.Matrix]
	cancel    context.CancelFunc
}

// NewGRPCSource wraps an already-dialed client.
func NewGRPCSource(client pb.MatrixSourceClient, vehicleID string) *GRPCSource {
	return &GRPCSource{client: client, vehicleID: vehicleID}
}

// TakePending returns the freshly fetched or streamed matrix exactly once
// per change, implementing internal/ingest.MatrixSwap the same way
// FileSource does.
func (g *GRPCSource) TakePending() *condition.Matrix {
	return g.pending.Swap(nil)
}

// Close stops the streaming-update goroutine.
func (g *GRPCSource) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}

// Start fetches the initial matrix and launches the streaming-update
// goroutine.
func (g *GRPCSource) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	initial, err := g.client.GetInspectionMatrix(ctx, &pb.GetMatrixRequest{VehicleId: g.vehicleID})
	if err != nil {
		cancel()
		return fmt.Errorf("matrixsource: initial fetch: %w", err)
	}
	m, err := fromWire(initial)
	if err != nil {
		cancel()
		return fmt.Errorf("matrixsource: decode initial matrix: %w", err)
	}
	g.pending.Store(m)

	go g.streamLoop(ctx)
	return nil
}

func (g *GRPCSource) streamLoop(ctx context.Context) {
	stream, err := g.client.StreamMatrixUpdates(ctx, &pb.GetMatrixRequest{VehicleId: g.vehicleID})
	if err != nil {
		slog.Warn("matrixsource: stream open failed", "error", err)
		return
	}
	for {
		msg, err := stream.Recv()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("matrixsource: stream recv failed", "error", err)
			}
			return
		}
		m, err := fromWire(msg)
		if err != nil {
			slog.Warn("matrixsource: decode streamed matrix failed", "error", err)
			continue
		}
		g.pending.Store(m)
		slog.Info("matrixsource: matrix updated over grpc stream")
	}
}

func fromWire(msg *pb.InspectionMatrixMsg) (*condition.Matrix, error) {
	dto := matrixDTO{Version: msg.Version}
	for _, c := range msg.Conditions {
		var root nodeDTO
		if len(c.RootExprJSON) > 0 {
			if err := json.Unmarshal(c.RootExprJSON, &root); err != nil {
				return nil, fmt.Errorf("decode root expr: %w", err)
			}
		}
		specs := make([]signalSpecDTO, 0, len(c.Signals))
		for _, s := range c.Signals {
			specs = append(specs, signalSpecDTO{
				SignalID:          s.SignalId,
				SampleBufferSize:  int(s.SampleBufferSize),
				MinSampleInterval: s.MinSampleInterval,
				FixedWindowPeriod: s.FixedWindowPeriod,
				IsConditionOnly:   s.IsConditionOnly,
				SignalType:        s.SignalType,
			})
		}
		dto.Conditions = append(dto.Conditions, conditionDTO{
			RootExpr:                &root,
			Signals:                 specs,
			MinPublishIntervalMs:    c.MinPublishIntervalMs,
			AfterDurationMs:         c.AfterDurationMs,
			TriggerOnlyOnRisingEdge: c.TriggerOnlyOnRisingEdge,
			IncludeActiveDTCs:       c.IncludeActiveDtcs,
			AlwaysEvaluate:          c.AlwaysEvaluate,
			IsStatic:                c.IsStatic,
			Metadata: metadataDTO{
				CampaignID: c.CampaignId,
				DecoderID:  c.DecoderId,
			},
		})
	}
	return build(&dto)
}
