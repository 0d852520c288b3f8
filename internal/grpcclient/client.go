package grpcclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"imu-svr/internal/pipeline"
)

// PublishMethod es el método unario que recibe los resúmenes de sesión.
// Request: google.protobuf.Struct, response: google.protobuf.Empty.
const (
	ServiceName   = "imu.SessionForwarder"
	PublishMethod = "/" + ServiceName + "/Publish"
)

type GRPCClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func NewGRPCClient(addr string, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCClient{conn: conn, timeout: 5 * time.Second}, nil
}

func (g *GRPCClient) Close() {
	_ = g.conn.Close()
}

// ForwardSummary manda el resumen de una sesión cerrada.
func (g *GRPCClient) ForwardSummary(ctx context.Context, s pipeline.SessionSummary) error {
	req, err := SummaryStruct(s)
	if err != nil {
		return fmt.Errorf("forwarder: encode session %d: %w", s.Index, err)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.conn.Invoke(ctx, PublishMethod, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("forwarder: session %d: %w", s.Index, err)
	}
	return nil
}

// SummaryStruct convierte el resumen al Struct que viaja por el cable.
func SummaryStruct(s pipeline.SessionSummary) (*structpb.Struct, error) {
	devices := make([]any, 0, len(s.Devices))
	for _, d := range s.Devices {
		dev := map[string]any{
			"id":         float64(d.ID),
			"name":       d.Name,
			"packets":    float64(d.Packets),
			"lost":       float64(d.Lost),
			"rows":       float64(d.Rows),
			"resets":     float64(d.Resets),
			"duplicates": float64(d.Duplicates),
			"file":       d.File,
		}
		if d.HasLast {
			dev["last_seq"] = float64(d.LastSeq)
		}
		devices = append(devices, dev)
	}
	return structpb.NewStruct(map[string]any{
		"index":   float64(s.Index),
		"root":    s.Root,
		"start":   s.Start.UTC().Format(time.RFC3339Nano),
		"end":     s.End.UTC().Format(time.RFC3339Nano),
		"devices": devices,
	})
}
