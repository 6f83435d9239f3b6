package memory

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/conductorone/baton-rolebatch/pkg/membership/restapi"
	"github.com/conductorone/baton-rolebatch/pkg/ratelimit"
	"github.com/conductorone/baton-rolebatch/pkg/types/membership"
)

type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	token  string
	logger *zap.Logger
}

// WithToken requires every request to carry "Authorization: Bot <token>".
func WithToken(token string) HandlerOption {
	return func(o *handlerOptions) {
		o.token = token
	}
}

func WithLogger(l *zap.Logger) HandlerOption {
	return func(o *handlerOptions) {
		o.logger = l
	}
}

// Handler serves s over the membership REST API.
func (s *Service) Handler(opts ...HandlerOption) http.Handler {
	o := &handlerOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(o.logger))
	if o.token != "" {
		r.Use(requireToken(o.token))
	}

	r.Get("/groups/{groupID}/members/{principalID}", s.getMember)
	r.Post("/groups/{groupID}/tags/bulk-grant", s.mutateHandler(membership.Grant))
	r.Post("/groups/{groupID}/tags/bulk-revoke", s.mutateHandler(membership.Revoke))

	return r
}

func requestLogger(l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			rl := l.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			next.ServeHTTP(ww, r.WithContext(ctxzap.ToContext(r.Context(), rl)))

			rl.Debug("request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func requireToken(token string) func(http.Handler) http.Handler {
	want := restapi.TokenType + " " + token
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != want {
				writeJSON(w, http.StatusUnauthorized, restapi.ErrorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Service) getMember(w http.ResponseWriter, r *http.Request) {
	p, err := s.FetchPrincipal(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "principalID"))
	if err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, restapi.ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, restapi.ErrorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, restapi.NewPrincipalView(p))
}

func (s *Service) mutateHandler(d membership.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req restapi.MutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, restapi.ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
		for _, p := range req.Pairs {
			if strings.TrimSpace(p.PrincipalID) == "" || strings.TrimSpace(p.Tag) == "" {
				writeJSON(w, http.StatusBadRequest, restapi.ErrorResponse{Error: "every pair needs a principal_id and a tag"})
				return
			}
		}

		groupID := chi.URLParam(r, "groupID")
		call := s.BulkGrant
		if d == membership.Revoke {
			call = s.BulkRevoke
		}

		results, err := call(r.Context(), groupID, req.Pairs, req.Reason)
		if err != nil {
			var rlErr *ratelimit.Error
			if errors.As(err, &rlErr) {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("X-Ratelimit-Limit", "1")
				w.Header().Set("X-Ratelimit-Remaining", "0")
				writeJSON(w, http.StatusTooManyRequests, restapi.ErrorResponse{Error: rlErr.Error()})
				return
			}
			writeJSON(w, http.StatusInternalServerError, restapi.ErrorResponse{Error: err.Error()})
			return
		}

		ctxzap.Extract(r.Context()).Info("tags mutated",
			zap.String("group_id", groupID),
			zap.Stringer("direction", d),
			zap.Int("pairs", len(req.Pairs)),
			zap.String("reason", req.Reason),
		)
		writeJSON(w, http.StatusOK, restapi.MutationResponse{Results: results})
	}
}
