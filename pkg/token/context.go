package token

import "context"

// contextKey はコンテキストキーの型。
type contextKey struct{}

// NewContext はIdentityを格納したコンテキストを返す。
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext はコンテキストからIdentityを取り出す。
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}
