package authenticate

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/request"
)

// metadataAuthorization is the gRPC metadata key for bearer tokens.
const metadataAuthorization = "authorization"

// UnaryServerInterceptor authenticates the bearer token in the
// "authorization" metadata with the header path and stores the verdict in
// the handler context. Calls that are not signed in fail with
// Unauthenticated; configuration errors fail with Internal.
func (a *Authenticator) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := a.authenticateGRPC(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [Authenticator.UnaryServerInterceptor].
func (a *Authenticator) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := a.authenticateGRPC(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (a *Authenticator) authenticateGRPC(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(metadataAuthorization)
	if len(values) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	raw := request.BearerToken(values[0])
	if raw == "" {
		return ctx, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	state, err := a.AuthenticateToken(ctx, raw)
	if err != nil {
		return ctx, status.Error(codes.Internal, "authentication is misconfigured")
	}
	if !state.IsSignedIn() {
		a.logger.DebugContext(ctx, "authenticate: rejecting gRPC call",
			"reason", state.Reason, "trace_id", traceID(ctx))
		return ctx, status.Errorf(codes.Unauthenticated, "token rejected: %s", state.Reason)
	}
	return ContextWithState(ctx, state), nil
}

// wrappedServerStream overrides Context so stream handlers see the
// verdict.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
