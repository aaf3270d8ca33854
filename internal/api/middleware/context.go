package middleware

import (
	"context"
	"net"
	"net/http"
)

type contextKey string

const (
	requestIDKey    contextKey = "request_id"
	workerAuthedKey contextKey = "worker_authenticated"
)

func SetRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func GetRequestID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(requestIDKey).(string)
	return id, ok
}

func setWorkerAuthenticated(ctx context.Context) context.Context {
	return context.WithValue(ctx, workerAuthedKey, true)
}

// WorkerAuthenticated reports whether the request carried a valid worker token.
func WorkerAuthenticated(r *http.Request) bool {
	ok, _ := r.Context().Value(workerAuthedKey).(bool)
	return ok
}

// ClientIP returns the host part of RemoteAddr, which chi's RealIP middleware
// has already replaced with the forwarded address when present.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
