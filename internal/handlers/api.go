package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/i18n"
	"github.com/lingosync-go/internal/middleware"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/internal/services/assist"
	"github.com/lingosync-go/internal/services/cache"
)

// APIHandler serves the AI functions over HTTP
type APIHandler struct {
	cfg       config.ServerConfig
	assist    *assist.Service
	auth      *middleware.Authenticator
	localizer *i18n.Localizer
	logger    *logrus.Logger
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(
	cfg config.ServerConfig,
	assistService *assist.Service,
	auth *middleware.Authenticator,
	localizer *i18n.Localizer,
	logger *logrus.Logger,
) *APIHandler {
	return &APIHandler{
		cfg:       cfg,
		assist:    assistService,
		auth:      auth,
		localizer: localizer,
		logger:    logger,
	}
}

// Router builds the route table
func (h *APIHandler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(h.authenticate)
	v1.HandleFunc("/translate", serve(h, h.assist.Translate)).Methods(http.MethodPost)
	v1.HandleFunc("/detect-language", serve(h, h.assist.DetectLanguage)).Methods(http.MethodPost)
	v1.HandleFunc("/cultural-context", serve(h, h.assist.ExplainCulturalContext)).Methods(http.MethodPost)
	v1.HandleFunc("/formality", serve(h, h.assist.AdjustFormality)).Methods(http.MethodPost)
	v1.HandleFunc("/smart-replies", serve(h, h.assist.SuggestReplies)).Methods(http.MethodPost)
	v1.HandleFunc("/transcribe", serve(h, h.assist.Transcribe)).Methods(http.MethodPost)
	v1.HandleFunc("/entities", serve(h, h.assist.ExtractEntities)).Methods(http.MethodPost)
	return r
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate puts the bearer token's subject into the request context
func (h *APIHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.auth.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			h.logger.WithError(err).WithField("path", r.URL.Path).Debug("Rejected unauthenticated request")
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(models.WithUser(r.Context(), userID)))
	})
}

// serve decodes a JSON request, runs fn under the request deadline and
// encodes its result
func serve[Req, Res any](h *APIHandler, fn func(context.Context, Req) (cache.Result[Res], error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		}

		var req Req
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, errs.Invalid("body", "is not valid JSON"))
			return
		}

		ctx := r.Context()
		if h.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
			defer cancel()
		}

		res, err := fn(ctx, req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, res)
	}
}

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfterSeconds,omitempty"`
}

// writeError maps err onto a status and a localized message
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	lang := h.localizer.Match(r.Header.Get("Accept-Language"))
	body := errorBody{}
	status := http.StatusInternalServerError

	var rle *errs.RateLimitError
	switch {
	case errors.Is(err, errs.ErrNotAuthenticated):
		status, body.Error = http.StatusUnauthorized, i18n.MsgNotAuthenticated
		body.Message = h.localizer.Get(lang, i18n.MsgNotAuthenticated, nil)
	case errors.As(err, &rle):
		seconds := retryAfterSeconds(rle.RetryAfter)
		w.Header().Set("Retry-After", formatInt(seconds))
		status, body.Error, body.RetryAfter = http.StatusTooManyRequests, i18n.MsgRateLimitExceeded, seconds
		body.Message = h.localizer.Get(lang, i18n.MsgRateLimitExceeded, map[string]interface{}{
			"RetryAfter": (time.Duration(seconds) * time.Second).String(),
		})
	case errors.Is(err, errs.ErrDeadlineExceeded):
		status, body.Error = http.StatusGatewayTimeout, i18n.MsgTimeout
		body.Message = h.localizer.Get(lang, i18n.MsgTimeout, nil)
	case errors.Is(err, errs.ErrInvalidArgument):
		status, body.Error = http.StatusBadRequest, i18n.MsgInvalidRequest
		body.Message = h.localizer.Get(lang, i18n.MsgInvalidRequest, map[string]interface{}{"Reason": reason(err)})
	case errors.Is(err, errs.ErrNotFound):
		status, body.Error = http.StatusNotFound, i18n.MsgNotFound
		body.Message = h.localizer.Get(lang, i18n.MsgNotFound, nil)
	case errors.Is(err, errs.ErrLanguageService), errors.Is(err, errs.ErrUnavailable):
		status, body.Error = http.StatusBadGateway, i18n.MsgLanguageService
		body.Message = h.localizer.Get(lang, i18n.MsgLanguageService, nil)
	default:
		body.Error = i18n.MsgError
		body.Message = h.localizer.Get(lang, i18n.MsgError, nil)
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"path":   r.URL.Path,
			"status": status,
		}).Error("Request failed")
	}
	h.writeJSON(w, status, body)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Warn("Failed to write response")
	}
}
