package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Priya8975/webhook-notifier/internal/apperr"
)

const maxRequestBody = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	json.NewEncoder(w).Encode(v)
}

// respondError writes err as {"error": {"code", "message"}}. Server-side
// failures are logged with their cause; the caller only sees the message.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code, msg := apperr.Status(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "error", err)
	}
	respondJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return apperr.InvalidRequest("body", "failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return apperr.InvalidRequest("body", "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.InvalidRequest("body", "invalid request body")
	}
	return nil
}

func queryInt(r *http.Request, keys ...string) int {
	for _, key := range keys {
		if v := r.URL.Query().Get(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

type ownerKey struct{}

// OwnerHeader carries the caller's identity, set by the upstream auth layer.
const OwnerHeader = "X-Owner-ID"

var errMissingOwner = apperr.Unauthorized("missing " + OwnerHeader + " header")

// RequireOwner rejects requests without an owner identity and stores it on
// the request context.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			respondError(w, nil, errMissingOwner)
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}
