package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

type responseRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += n
	return n, err
}

// Logger логирует каждый HTTP-запрос: метод, путь, статус, размер и длительность.
func Logger(l *zap.Logger) func(http.Handler) http.Handler {
	sugar := l.Sugar()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			sugar.Infow("request",
				"method", r.Method,
				"uri", r.RequestURI,
				"status", rec.status,
				"size", rec.size,
				"duration", time.Since(start),
			)
		})
	}
}
