package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"taskline/internal/assistant"
	"taskline/internal/auth"
	"taskline/internal/engine"
	"taskline/internal/metrics"
	"taskline/internal/tools"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Tools     tools.Dispatcher
	Assistant assistant.Assistant
	Verifier  auth.Verifier
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	BasePath  string
	Version   string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":{\"title\":\"is required\"}}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// handlers carries what every route needs.
type handlers struct {
	engine    engine.Engine
	assistant assistant.Assistant
	logger    *zap.Logger
}

// New returns an HTTP handler exposing the Taskline API.
func New(cfg Config) (http.Handler, error) {
	basePath := strings.TrimRight(cfg.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(accessLog(cfg.Logger.Named("http"), cfg.Metrics))
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Verifier))

	hcfg := huma.DefaultConfig("Taskline API", cfg.Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{engine: cfg.Engine, assistant: cfg.Assistant, logger: cfg.Logger}
	registerDocs(router, basePath)
	registerHealth(group, cfg.Version)
	registerMe(group)
	registerTasks(group, h)
	registerConversations(group, h)
	registerEvents(group, h)
	registerOpenAPI(router, api, basePath)

	mcpPath := path.Join("/", basePath, "mcp")
	router.Handle(mcpPath, tools.MCPHandler(tools.NewMCPServer(cfg.Tools, cfg.Version), mcpPath))
	router.Handle(path.Join("/", basePath, "metrics"), cfg.Metrics.Handler())

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// fail maps err onto the envelope, logging anything unexpected.
func (h handlers) fail(err error) huma.StatusError {
	se := handleError(err)
	if se != nil && se.GetStatus() >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	return se
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *engine.ValidationError
	switch {
	case errors.Is(err, auth.ErrNoCredential):
		return newAPIError(http.StatusForbidden, "no_credential", "no credential supplied", nil)
	case errors.Is(err, auth.ErrInvalidCredential):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	case errors.Is(err, auth.ErrIdentityMismatch):
		return newAPIError(http.StatusForbidden, "forbidden", "credential does not match requested identity", nil)
	case errors.As(err, &verr):
		fields := make(map[string]any, len(verr.Fields))
		for k, v := range verr.Fields {
			fields[k] = v
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", verr.Error(), map[string]any{"fields": fields})
	case errors.Is(err, engine.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "version_conflict", "task was modified concurrently; retry", nil)
	case errors.Is(err, assistant.ErrNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, "assistant_unavailable", "assistant is not configured", nil)
	case errors.Is(err, assistant.ErrStepLimit):
		return newAPIError(http.StatusBadGateway, "assistant_step_limit", "assistant did not finish within its step limit", nil)
	case errors.Is(err, assistant.ErrReasoner):
		return newAPIError(http.StatusBadGateway, "assistant_failed", "assistant backend failed", nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "invalid_credentials"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

const maxBodyBytes = 1 << 20

// captureBody keeps the raw request body in the context so handlers can tell
// an explicit JSON null from an absent field.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessLog records one line and one histogram sample per request.
func accessLog(logger *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			elapsed := time.Since(start)
			m.ObserveHTTP(r.Method, route, strconv.Itoa(status), elapsed)
			identity, _ := auth.IdentityFromContext(r.Context())
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("identity", identity.String()),
			)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	page := docsPage(basePath)
	r.Get(path.Join("/", basePath, "docs"), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

// registerOpenAPI serves the document once decorated; huma's registry is
// complete by the time the first request arrives.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join("/", basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

var bearerOnly = []map[string][]string{{"bearerAuth": {}}}

// decorateOpenAPI adds the error envelope as every operation's default
// response, marks /api routes as bearer protected and groups operations by
// resource.
func decorateOpenAPI(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
		Description:  "HS256 token whose subject is the user id in the path.",
	}
	apiPrefix := path.Join("/", basePath, "api") + "/"
	for route, item := range oas.Paths {
		for _, op := range pathOperations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error envelope",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
			if !strings.HasPrefix(route, apiPrefix) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = bearerOnly
			op.Tags = []string{routeTag(strings.TrimPrefix(route, apiPrefix))}
		}
	}
}

func pathOperations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Post, item.Put, item.Patch, item.Delete} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// routeTag maps "{user_id}/tasks/..." style suffixes to a tag.
func routeTag(rest string) string {
	switch {
	case rest == "me":
		return "identity"
	case strings.Contains(rest, "/tasks"):
		return "tasks"
	case strings.Contains(rest, "/events"):
		return "audit"
	default:
		return "assistant"
	}
}

func docsPage(basePath string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8"/>
<title>Taskline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
<p style="font-family:sans-serif;margin:1rem">
Every /api route needs <code>Authorization: Bearer &lt;token&gt;</code> whose subject matches the
path user id. Tools are also served over MCP at <code>%s</code>.
</p>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>SwaggerUIBundle({url: %q, dom_id: "#ui", persistAuthorization: true});</script>
</body>
</html>`, path.Join("/", basePath, "mcp"), path.Join("/", basePath, "openapi.json"))
}

func registerHealth(api huma.API, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "healthy"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "root",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Service information",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RootResponse `json:"body"`
	}, error) {
		return &struct {
			Body RootResponse `json:"body"`
		}{Body: RootResponse{Message: "Taskline API", Version: version}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/api/me",
		Summary:     "Current identity",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		id, err := identityFromRequest(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserID: id.String()}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in, def int) int {
	if in <= 0 {
		return def
	}
	if in > engine.MaxListLimit {
		return engine.MaxListLimit
	}
	return in
}
