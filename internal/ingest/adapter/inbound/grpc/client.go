package grpc_handler

import (
	"context"
	"fmt"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
)

// Client calls the ingest.v1.Ingestion service as one principal.
type Client struct {
	conn      *grpc.ClientConn
	principal string
}

// NewClient connects to addr. Extra options are appended after the defaults.
func NewClient(addr, principal string, opts ...grpc.DialOption) (*Client, error) {
	// For now, use insecure credentials.
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, principal: principal}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	if c.principal != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, principalKey, c.principal)
	}
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) OpenSession(ctx context.Context, req domain.OpenSessionRequest) (*domain.OpenSessionResult, error) {
	out := new(domain.OpenSessionResult)
	if err := c.invoke(ctx, methodOpenSession, &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UploadPart(ctx context.Context, req domain.UploadPartRequest) (*domain.UploadPartResult, error) {
	out := new(domain.UploadPartResult)
	if err := c.invoke(ctx, methodUploadPart, &req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) FinalizeSession(ctx context.Context, sessionID string) (*domain.FinalizeResult, error) {
	out := new(domain.FinalizeResult)
	if err := c.invoke(ctx, methodFinalizeSession, &SessionRequest{SessionID: sessionID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetStatus(ctx context.Context, sessionID string) (*domain.SessionView, error) {
	out := new(domain.SessionView)
	if err := c.invoke(ctx, methodGetStatus, &SessionRequest{SessionID: sessionID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AbortSession(ctx context.Context, sessionID string) (*domain.AbortResult, error) {
	out := new(domain.AbortResult)
	if err := c.invoke(ctx, methodAbortSession, &SessionRequest{SessionID: sessionID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Serving asks the standard health service whether the ingestion service is up.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName},
		grpc.CallContentSubtype("proto"))
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
