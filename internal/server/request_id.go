package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"adgate/internal/observability/logging"
)

const maxRequestIDLength = 128

type idGenerator func() string

func requestIDMiddleware(next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(newRequestID, next)
}

func requestIDMiddlewareWithGenerator(generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generator()
		}
		w.Header().Set("X-Request-Id", requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err == nil {
		return hex.EncodeToString(buffer[:])
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
