package glog

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	reqid "github.com/seaweedfs/blockfilter/weed/util/request_id"
)

const requestIDField = "request_id"

// formatMetaTag returns a formatted request ID tag from the context,
// like "request_id:abc123". Returns an empty string if no request ID is found.
func formatMetaTag(ctx context.Context) string {
	if requestID := reqid.Get(ctx); requestID != "" {
		return fmt.Sprintf("%s:%s", requestIDField, requestID)
	}
	return ""
}

func withMetaTag(ctx context.Context, format string) string {
	if metaTag := formatMetaTag(ctx); metaTag != "" {
		return metaTag + " " + format
	}
	return format
}

// InfofCtx is a context-aware alternative to Verbose.Infof.
// Logs to the INFO log, guarded by the value of v, and prepends a request ID from the context if present.
func (v Verbose) InfofCtx(ctx context.Context, format string, args ...interface{}) {
	if !v {
		return
	}
	glog.InfoDepth(1, fmt.Sprintf(withMetaTag(ctx, format), args...))
}

// InfofCtx logs a formatted message at info level, prepending a request ID from
// the context if it exists.
func InfofCtx(ctx context.Context, format string, args ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(withMetaTag(ctx, format), args...))
}

// WarningfCtx logs to the WARNING and INFO logs.
// Prepends a request ID from the context if it exists.
func WarningfCtx(ctx context.Context, format string, args ...interface{}) {
	glog.WarningDepth(1, fmt.Sprintf(withMetaTag(ctx, format), args...))
}

// ErrorfCtx logs to the ERROR, WARNING, and INFO logs.
// Prepends a request ID from the context if it exists.
func ErrorfCtx(ctx context.Context, format string, args ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf(withMetaTag(ctx, format), args...))
}
