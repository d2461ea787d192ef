package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const MemberIDKey contextKey = "member_id"

// MemberHeader carries the authenticated member id, set by the gateway in
// front of the ledger API.
const MemberHeader = "X-Member-ID"

// MemberIdentity puts the member id from MemberHeader into the request
// context. Requests without a valid header pass through anonymously.
func MemberIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(MemberHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		memberID, err := uuid.Parse(raw)
		if err != nil || memberID == uuid.Nil {
			slog.InfoContext(r.Context(), "ignoring invalid member header", "value", raw)
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), MemberIDKey, memberID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireMember rejects requests that carry no member identity.
func RequireMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetMemberID(r.Context()); !ok {
			http.Error(w, "missing or invalid "+MemberHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetMemberID extracts the member id from context
func GetMemberID(ctx context.Context) (uuid.UUID, bool) {
	memberID, ok := ctx.Value(MemberIDKey).(uuid.UUID)
	return memberID, ok
}

// WithMemberID returns a copy of ctx carrying memberID.
func WithMemberID(ctx context.Context, memberID uuid.UUID) context.Context {
	return context.WithValue(ctx, MemberIDKey, memberID)
}
