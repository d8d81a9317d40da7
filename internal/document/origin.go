package document

import "context"

// Origin tags who caused a local write
type Origin int

const (
	// OriginLocal is a change made by a user of the local system
	OriginLocal Origin = iota
	// OriginRemote is a write performed while ingesting documents pushed by Books
	OriginRemote
)

type originKey struct{}

// WithOrigin attaches the write origin to ctx
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the write origin carried by ctx, OriginLocal if none
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return OriginLocal
}
