// Command agent is the in-vehicle edge telemetry agent: it wires together
// the Collection Inspection Engine and its ingestion/sender/connectivity
// producers and consumers into one process.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ridgeline-motors/edge-agent/internal/config"
	"github.com/ridgeline-motors/edge-agent/internal/connectivity"
	"github.com/ridgeline-motors/edge-agent/internal/diagserver"
	"github.com/ridgeline-motors/edge-agent/internal/dtc"
	"github.com/ridgeline-motors/edge-agent/internal/eval"
	"github.com/ridgeline-motors/edge-agent/internal/ingest"
	"github.com/ridgeline-motors/edge-agent/internal/inspection"
	"github.com/ridgeline-motors/edge-agent/internal/localstate"
	"github.com/ridgeline-motors/edge-agent/internal/matrixsource"
	"github.com/ridgeline-motors/edge-agent/internal/rawbuffer"
	"github.com/ridgeline-motors/edge-agent/internal/selftrace"
	"github.com/ridgeline-motors/edge-agent/internal/sender"
	"github.com/ridgeline-motors/edge-agent/internal/snapshot"
	"github.com/ridgeline-motors/edge-agent/internal/workloadid"
	"github.com/ridgeline-motors/edge-agent/pb"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, continuing with process environment")
	}

	log.Println("🚗 Starting Collection Inspection Engine edge agent...")

	cfgMgr, err := config.NewManager(getenvDefault("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	defer cfgMgr.Close()
	cfg := cfgMgr.Get()

	metrics := selftrace.NewMetrics()
	dtcStore := dtc.NewLatestStore()
	snapQueue := snapshot.NewQueue(cfg.Engine.SnapshotQueueCapacity)

	rbClient, rbCloser := buildRawBufferClient(cfg)
	if rbCloser != nil {
		defer rbCloser()
	}

	limits := inspection.Limits{
		MaxActiveConditions:  cfg.Engine.MaxActiveConditions,
		MaxDistinctSignalIDs: cfg.Engine.MaxDistinctSignalIDs,
		MaxASTDepth:          cfg.Engine.MaxASTDepth,
		MaxTotalSampleBytes:  int(cfg.Engine.MaxTotalSampleBytes),
	}
	engine := inspection.New(limits, metrics, dtcStore, snapQueue, rbClient)
	engine.Registry().Register("geohash", eval.NewGeohashFunction())

	matrixSrc, matrixCloser, err := buildMatrixSource(cfg)
	if err != nil {
		log.Fatalf("matrixsource: %v", err)
	}
	defer matrixCloser()

	connCfg := connectivity.Config{
		BrokerURL:     cfg.MQTT.BrokerURL,
		ClientID:      cfg.MQTT.ClientID,
		KeepAlive:     time.Duration(cfg.MQTT.KeepAliveSec) * time.Second,
		SessionExpiry: time.Duration(cfg.MQTT.SessionExpirySec) * time.Second,
		PingTimeout:   time.Duration(cfg.MQTT.PingTimeoutSec) * time.Second,
		StartBackoff:  time.Duration(cfg.MQTT.StartBackoffMs) * time.Millisecond,
		MaxBackoff:    time.Duration(cfg.MQTT.MaxBackoffMs) * time.Millisecond,
	}
	if cfg.Workload.Enabled {
		tlsSource, err := workloadid.NewSource(cfg.Workload.SocketPath)
		if err != nil {
			log.Fatalf("workloadid: %v", err)
		}
		defer tlsSource.Close()
		if cfg.MQTT.UseWorkloadIdentityTLS {
			tc, err := tlsSource.AuthorizedForTrustDomain(cfg.MQTT.TrustDomain)
			if err != nil {
				log.Fatalf("workloadid: tls config: %v", err)
			}
			connCfg.TLSConfig = tc
		}
	}

	connMgr := connectivity.NewManager(connCfg, []connectivity.Receiver{})

	persistStore, err := sender.NewStore(cfg.Offline.PersistencePath)
	if err != nil {
		log.Fatalf("sender: %v", err)
	}
	telemetrySender := sender.New(sender.Config{
		Topic:               cfg.MQTT.TelemetryTopic,
		PersistencePath:     cfg.Offline.PersistencePath,
		ByteBudget:          int(cfg.MQTT.InFlightByteBudget),
		ReconnectRetryEvery: time.Duration(cfg.Offline.RetryIntervalMs) * time.Millisecond,
	}, connMgr, sender.JSONSerializer{}, persistStore, metrics)

	var localStateAdapter *localstate.Adapter
	if cfg.LocalState.Enabled {
		ls, err := localstate.NewAdapter(cfg.LocalState.Addr, cfg.LocalState.Password, cfg.LocalState.DB, cfg.LocalState.KeyPrefix)
		if err != nil {
			slog.Warn("localstate: disabled after connect failure", "error", err)
		} else {
			localStateAdapter = ls
			defer ls.Close()
		}
	}

	inbound := make(chan ingest.Item, cfg.Engine.InboundQueueCapacity)
	worker := ingest.New(engine, engine.ActivateMatrix, matrixSrc, dtcStore, rbClient, metrics, inbound,
		uint64(cfg.Engine.EvaluateIntervalMs), uint64(cfg.Engine.IdleWaitMs))

	var diagSrv *diagserver.Server
	if cfg.Diag.Enabled {
		diagSrv, err = diagserver.New(diagserver.Config{
			Addr:           cfg.Diag.HTTPAddr,
			AllowedOrigins: cfg.Diag.AllowedOrigins,
			DevMode:        cfg.IsDevelopment(),
		}, engineCommandHandler{engine: engine}, engineConditionsProvider{engine: engine})
		if err != nil {
			log.Fatalf("diagserver: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return connMgr.Connect(gctx)
	})
	group.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	group.Go(func() error {
		telemetrySender.RetryLoop(gctx)
		return nil
	})
	group.Go(func() error {
		return drainSnapshotsToSender(gctx, snapQueue, telemetrySender, localStateAdapter, diagSrv)
	})

	if diagSrv != nil {
		group.Go(func() error {
			return diagSrv.Run(gctx)
		})
	}

	log.Println("✅ Edge agent running. Press Ctrl+C to stop.")

	if err := group.Wait(); err != nil && gctx.Err() == nil {
		log.Fatalf("agent: fatal error: %v", err)
	}

	connMgr.Stop(time.Duration(cfg.Agent.ShutdownTimeout) * time.Second)

	log.Println("🛑 Edge agent stopped.")
}

func drainSnapshotsToSender(ctx context.Context, q *snapshot.Queue, s *sender.Sender, ls *localstate.Adapter, diagSrv *diagserver.Server) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap := <-q.Receive():
			s.Send(ctx, snap)
			if ls != nil {
				for _, sample := range snap.CollectedSamples {
					_ = ls.PublishLatest(ctx, sample.SignalID, sample.Value, sample.TSMs, 5*time.Minute)
				}
			}
			if diagSrv != nil {
				if evt, err := diagserver.NewSnapshotEvent("com.ridgeline.snapshot.triggered", snap.Metadata.CampaignID, snap); err == nil {
					diagSrv.Bus().Publish(evt)
				}
			}
		}
	}
}

func buildRawBufferClient(cfg *config.Config) (*rawbuffer.Client, func()) {
	switch cfg.RawBuffer.Backend {
	case "grpc":
		conn, err := grpc.NewClient(cfg.RawBuffer.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Fatalf("rawbuffer: dial: %v", err)
		}
		client := pb.NewRawBufferManagerClient(conn)
		return rawbuffer.New(client, 2*time.Second), func() { conn.Close() }
	default:
		return rawbuffer.New(&pb.MockRawBufferManagerClient{}, 2*time.Second), nil
	}
}

func buildMatrixSource(cfg *config.Config) (matrixsource.Source, func(), error) {
	switch cfg.MatrixSource.Backend {
	case "grpc":
		conn, err := grpc.NewClient(cfg.MatrixSource.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, fmt.Errorf("dial matrix source: %w", err)
		}
		client := pb.NewMatrixSourceClient(conn)
		src := matrixsource.NewGRPCSource(client, cfg.Agent.VehicleID)
		if err := src.Start(context.Background()); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return src, func() { conn.Close() }, nil
	default:
		src, err := matrixsource.NewFileSource(cfg.MatrixSource.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}
}

type engineConditionsProvider struct {
	engine *inspection.Engine
}

func (p engineConditionsProvider) Conditions() []diagserver.ConditionView {
	snaps := p.engine.Snapshot()
	out := make([]diagserver.ConditionView, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, diagserver.ConditionView{
			Index:         s.Index,
			CampaignID:    s.CampaignID,
			Phase:         s.Phase,
			CurrentlyTrue: s.CurrentlyTrue,
			LastTriggerMs: s.LastTriggerMs,
		})
	}
	return out
}

type engineCommandHandler struct {
	engine *inspection.Engine
}

func (h engineCommandHandler) HandleCommand(name string, args map[string]any) (any, error) {
	switch name {
	case "dump_conditions":
		return h.engine.Snapshot(), nil
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
