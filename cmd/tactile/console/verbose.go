package console

import (
	"context"

	"github.com/mklimuk/tactile/adapter"
)

// SetVerbose marks ctx so that adapters dump raw bus traffic.
func SetVerbose(parent context.Context, value bool) context.Context {
	return adapter.SetVerbose(parent, value)
}

func IsVerbose(ctx context.Context) bool {
	return adapter.IsVerbose(ctx)
}
