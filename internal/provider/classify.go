package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/ashureev/shsh-actions/internal/shared"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classify wraps err in a shared.ProviderError with a kind derived from
// context, genai and gRPC errors.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var pe *shared.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return shared.NewProviderError(kindOf(err), err)
}

func kindOf(err error) shared.ProviderErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return shared.KindTimeout
	case errors.Is(err, context.Canceled):
		return shared.KindInternal
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return kindForHTTP(apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return kindForHTTP(apiErrPtr.Code)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return shared.KindTimeout
		case codes.Unavailable:
			return shared.KindUnavailable
		case codes.ResourceExhausted:
			return shared.KindRateLimited
		case codes.Internal, codes.Unknown, codes.Aborted:
			return shared.KindUpstream
		case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated, codes.Unimplemented:
			return shared.KindInternal
		}
	}
	return shared.KindUpstream
}

func kindForHTTP(code int) shared.ProviderErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return shared.KindRateLimited
	case code == http.StatusGatewayTimeout || code == http.StatusRequestTimeout:
		return shared.KindTimeout
	case code == http.StatusServiceUnavailable || code == http.StatusBadGateway:
		return shared.KindUnavailable
	case code >= 500:
		return shared.KindUpstream
	default:
		return shared.KindInternal
	}
}
