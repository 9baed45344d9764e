package adapter

import "context"

type ctxIndex int

const ctxIndexVerbose ctxIndex = iota

// SetVerbose marks ctx so that adapters dump every report exchanged with the device.
func SetVerbose(parent context.Context, value bool) context.Context {
	return context.WithValue(parent, ctxIndexVerbose, value)
}

func IsVerbose(ctx context.Context) bool {
	val, ok := ctx.Value(ctxIndexVerbose).(bool)
	return ok && val
}
