package connect

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// BearerTokenUnaryInterceptor rejects unary calls without the expected bearer
// token in the "authorization" header. An empty token disables the check.
func BearerTokenUnaryInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := validateBearerToken(ctx, expectedToken); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// BearerTokenStreamInterceptor is the streaming counterpart of
// BearerTokenUnaryInterceptor. Every Flight action is a streaming call.
func BearerTokenStreamInterceptor(expectedToken string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := validateBearerToken(ss.Context(), expectedToken); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func validateBearerToken(ctx context.Context, expectedToken string) error {
	if expectedToken == "" {
		return nil
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}

	scheme, token, found := strings.Cut(authHeaders[0], " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return status.Error(codes.Unauthenticated, "expected Bearer authorization")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		authFailuresCounter.Inc()
		return status.Error(codes.Unauthenticated, "invalid bearer token")
	}
	return nil
}
