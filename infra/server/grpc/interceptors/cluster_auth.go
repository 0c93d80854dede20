// Package interceptors holds the middleware chain for the peer-facing
// gRPC server.
package interceptors

import (
	"context"
	"crypto/subtle"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewClusterAuthFunc validates the shared cluster token carried as a
// bearer credential on every peer RPC. Replication traffic is the only
// thing this server carries, so one symmetric token covers it.
func NewClusterAuthFunc(token string) auth.AuthFunc {
	return func(ctx context.Context) (context.Context, error) {
		got, err := auth.AuthFromMD(ctx, "bearer")
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid cluster token")
		}
		return ctx, nil
	}
}
