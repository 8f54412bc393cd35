package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	logx "dutybot/pkg/logx"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Logging logs every request once it completes.
func Logging(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			log.Debug("http request completed",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", rw.statusCode),
				logx.Int64("duration_ms", time.Since(start).Milliseconds()),
				logx.Int("bytes_written", rw.bytesWritten),
				logx.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Recovery turns handler panics into 500 responses.
func Recovery(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered",
						logx.String("error", fmt.Sprintf("%v", rec)),
						logx.String("stack", string(debug.Stack())),
						logx.String("method", r.Method),
						logx.String("path", r.URL.Path),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
