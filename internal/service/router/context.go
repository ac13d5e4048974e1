package router

import "context"

type toolNameKey struct{}

// WithToolName returns a context carrying the name of the tool a task is running. Each concurrent
// tool task derives its own context, so labels never leak between branches.
func WithToolName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, toolNameKey{}, name)
}

// ToolNameFrom returns the tool name carried by ctx, or "".
func ToolNameFrom(ctx context.Context) string {
	name, _ := ctx.Value(toolNameKey{}).(string)
	return name
}
