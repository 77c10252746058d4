package ctxutil

import "context"

type traceDataKey struct{}

type TraceData struct {
	CorrelationID string
	RequestID     string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

// CorrelationID returns the correlation id on ctx, or "" when absent.
func CorrelationID(ctx context.Context) string {
	if td := GetTraceData(ctx); td != nil {
		return td.CorrelationID
	}
	return ""
}
