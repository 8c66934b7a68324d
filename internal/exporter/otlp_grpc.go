package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultExportTimeout = 10 * time.Second

// OTLPExporter pushes profiles to an OTLP collector over gRPC.
type OTLPExporter struct {
	conn    *grpc.ClientConn
	client  collectorpb.ProfilesServiceClient
	timeout time.Duration
}

// DialOTLP connects to endpoint without transport security. Extra options
// are appended after the defaults.
func DialOTLP(endpoint string, opts ...grpc.DialOption) (*OTLPExporter, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial otlp endpoint %s: %w", endpoint, err)
	}
	return &OTLPExporter{
		conn:    conn,
		client:  collectorpb.NewProfilesServiceClient(conn),
		timeout: defaultExportTimeout,
	}, nil
}

func (e *OTLPExporter) Export(ctx context.Context, data *profilespb.ProfilesData) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Export(ctx, &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.ResourceProfiles,
		Dictionary:       data.Dictionary,
	})
	if err != nil {
		return fmt.Errorf("export profiles: %w", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedProfiles() > 0 {
		return fmt.Errorf("collector rejected %d profiles: %s", ps.GetRejectedProfiles(), ps.GetErrorMessage())
	} else if ps.GetErrorMessage() != "" {
		slog.Warn("Collector accepted profiles with a warning", "message", ps.GetErrorMessage())
	}
	return nil
}

func (e *OTLPExporter) Close() error {
	return e.conn.Close()
}
