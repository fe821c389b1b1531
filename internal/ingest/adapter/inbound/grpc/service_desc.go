package grpc_handler

import (
	"context"

	"github.com/anthanhphan/go-ingestion-pipeline/internal/ingest/domain"
	"google.golang.org/grpc"
)

const serviceName = "ingest.v1.Ingestion"

const (
	methodOpenSession     = "OpenSession"
	methodUploadPart      = "UploadPart"
	methodFinalizeSession = "FinalizeSession"
	methodGetStatus       = "GetStatus"
	methodAbortSession    = "AbortSession"
)

// SessionRequest addresses an existing session.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// IngestionServer is the server API for the ingest.v1.Ingestion service.
type IngestionServer interface {
	OpenSession(context.Context, *domain.OpenSessionRequest) (*domain.OpenSessionResult, error)
	UploadPart(context.Context, *domain.UploadPartRequest) (*domain.UploadPartResult, error)
	FinalizeSession(context.Context, *SessionRequest) (*domain.FinalizeResult, error)
	GetStatus(context.Context, *SessionRequest) (*domain.SessionView, error)
	AbortSession(context.Context, *SessionRequest) (*domain.AbortResult, error)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

// unary builds a method descriptor around a typed handler, the way protoc
// generated handlers decode, intercept and dispatch.
func unary[Req, Resp any](method string, call func(IngestionServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(IngestionServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ingestionServiceDesc stands in for a protoc generated descriptor; messages
// are the domain types carried by the json codec.
var ingestionServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*IngestionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodOpenSession, IngestionServer.OpenSession),
		unary(methodUploadPart, IngestionServer.UploadPart),
		unary(methodFinalizeSession, IngestionServer.FinalizeSession),
		unary(methodGetStatus, IngestionServer.GetStatus),
		unary(methodAbortSession, IngestionServer.AbortSession),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterIngestionServer registers srv on s.
func RegisterIngestionServer(s grpc.ServiceRegistrar, srv IngestionServer) {
	s.RegisterService(&ingestionServiceDesc, srv)
}
