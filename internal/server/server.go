package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wagerline/internal/domain"
	"wagerline/internal/engine"
	"wagerline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Triggers repo.Triggers
	BasePath string
	Auth     AuthConfig
	// Registry backs /metrics. A private registry is created when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"invalid fields: milestones[0].milestoneName: is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":{\"ruleName\":\"is required\"}}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the wagerline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "HTTP requests served, by route and status code.",
	}, []string{"method", "route", "code"})
	if err := reg.Register(requests); err != nil {
		return nil, errors.Wrap(err, "register http metrics")
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema and request decoding failures are client errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		code := ""
		if status == http.StatusBadRequest {
			code = "validation_failed"
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(countRequests(requests))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("Wagerline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRules(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerTriggers(group, cfg.Engine, cfg.Triggers)
	if cfg.Auth.AllowUserHeader && cfg.Auth.JWTSecret != "" {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func countRequests(c *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		})
	}
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	var fields domain.FieldErrors
	switch {
	case errors.As(err, &fields):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, map[string]any{"fields": map[string]string(fields)})
	case domain.IsValidation(err):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, nil)
	case domain.IsNotFound(err):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrVersionMismatch):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, domain.ErrRuleCompleted):
		return newAPIError(http.StatusConflict, "rule_completed", msg, nil)
	case domain.IsConflict(err):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case domain.IsDependency(err):
		return newAPIError(http.StatusBadGateway, "dependency_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "dependency_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// callerFrom builds the engine caller from the authenticated principal and
// an optional If-Match version.
func callerFrom(ctx context.Context, ifMatch string) (engine.Caller, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return engine.Caller{}, authErr
	}
	c := engine.Caller{UserID: userID}
	v := strings.Trim(strings.TrimPrefix(strings.TrimSpace(ifMatch), "W/"), `"`)
	if v == "" {
		return c, nil
	}
	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil || version <= 0 {
		return engine.Caller{}, newAPIError(http.StatusBadRequest, "bad_request", "If-Match must be a rule version", map[string]any{"if_match": ifMatch})
	}
	c.IfVersion = version
	return c, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	oas.Components.SecuritySchemes["userHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-User-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
		{"userHeader": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Wagerline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-User-Id.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
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
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type ruleOutput struct {
	ETag string      `header:"ETag"`
	Body domain.Rule `json:"body"`
}

type mutationOutput struct {
	ETag string               `header:"ETag"`
	Body RuleMutationResponse `json:"body"`
}

func etag(r domain.Rule) string {
	return strconv.Quote(strconv.FormatInt(r.Version, 10))
}

func mutated(res engine.Result, err error) (*mutationOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &mutationOutput{ETag: etag(res.Rule), Body: mutationResponse(res)}, nil
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
	http.StatusInternalServerError,
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create rule",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RuleRequest `json:"body"`
	}) (*mutationOutput, error) {
		c, err := callerFrom(ctx, "")
		if err != nil {
			return nil, err
		}
		return mutated(e.CreateRule(ctx, c, input.Body.spec()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List the caller's rules",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"created,in_progress,completed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedRules `json:"body"`
	}, error) {
		c, err := callerFrom(ctx, "")
		if err != nil {
			return nil, err
		}
		f := repo.RuleFilter{Limit: normalizeLimit(input.Limit)}
		if input.Status != "" {
			if f.Status, err = domain.ParseStatus(input.Status); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := e.ListRules(ctx, c, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedRules `json:"body"`
		}{Body: paginatedRules{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-rule",
		Method:      http.MethodGet,
		Path:        "/rules/search",
		Summary:     "Find the caller's newest rule with a name",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `query:"name"`
	}) (*ruleOutput, error) {
		c, err := callerFrom(ctx, "")
		if err != nil {
			return nil, err
		}
		r, err := e.GetRuleByName(ctx, c, strings.TrimSpace(input.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{ETag: etag(r), Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}",
		Summary:     "Get rule",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
	}) (*ruleOutput, error) {
		c, err := callerFrom(ctx, "")
		if err != nil {
			return nil, err
		}
		r, err := e.GetRule(ctx, c, input.RuleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &ruleOutput{ETag: etag(r), Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPut,
		Path:        "/rules/{rule_id}",
		Summary:     "Replace rule fields and milestones",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID  string      `path:"rule_id"`
		IfMatch string      `header:"If-Match"`
		Body    RuleRequest `json:"body"`
	}) (*mutationOutput, error) {
		c, err := callerFrom(ctx, input.IfMatch)
		if err != nil {
			return nil, err
		}
		return mutated(e.UpdateRule(ctx, c, input.RuleID, input.Body.spec()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/rules/{rule_id}",
		Summary:     "Delete rule and cancel its triggers",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID  string `path:"rule_id"`
		IfMatch string `header:"If-Match"`
	}) (*mutationOutput, error) {
		c, err := callerFrom(ctx, input.IfMatch)
		if err != nil {
			return nil, err
		}
		return mutated(e.DeleteRule(ctx, c, input.RuleID))
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-milestone",
		Method:        http.MethodPost,
		Path:          "/rules/{rule_id}/milestones",
		Summary:       "Add milestone",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID  string           `path:"rule_id"`
		IfMatch string           `header:"If-Match"`
		Body    MilestoneRequest `json:"body"`
	}) (*mutationOutput, error) {
		c, err := callerFrom(ctx, input.IfMatch)
		if err != nil {
			return nil, err
		}
		return mutated(e.AddMilestone(ctx, c, input.RuleID, input.Body.spec()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-milestone",
		Method:      http.MethodPatch,
		Path:        "/rules/{rule_id}/milestones/{milestone_id}",
		Summary:     "Update milestone fields",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID      string                `path:"rule_id"`
		MilestoneID string                `path:"milestone_id"`
		IfMatch     string                `header:"If-Match"`
		Body        MilestonePatchRequest `json:"body"`
	}) (*mutationOutput, error) {
		c, err := callerFrom(ctx, input.IfMatch)
		if err != nil {
			return nil, err
		}
		return mutated(e.UpdateMilestone(ctx, c, input.RuleID, input.MilestoneID, input.Body.patch()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-milestone",
		Method:      http.MethodPost,
		Path:        "/rules/{rule_id}/milestones/{milestone_id}/complete",
		Summary:     "Mark milestone complete",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RuleID      string `path:"rule_id"`
		MilestoneID string `path:"milestone_id"`
		IfMatch     string `header:"If-Match"`
	}) (*mutationOutput, error) {
		c, err := callerFrom(ctx, input.IfMatch)
		if err != nil {
			return nil, err
		}
		return mutated(e.CompleteMilestone(ctx, c, input.RuleID, input.MilestoneID))
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rule-events",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}/events",
		Summary:     "List recent events of a rule",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID     string `path:"rule_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"rule,milestone"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		c, err := callerFrom(ctx, "")
		if err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, c, repo.EventFilter{
			RuleID:     input.RuleID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTriggers(api huma.API, e engine.Engine, triggers repo.Triggers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rule-triggers",
		Method:      http.MethodGet,
		Path:        "/rules/{rule_id}/triggers",
		Summary:     "List scheduled milestone triggers of a rule",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID string `path:"rule_id"`
		Status string `query:"status" enum:"pending,fired,failed"`
	}) (*struct {
		Body triggerList `json:"body"`
	}, error) {
		c, err := callerFrom(ctx, "")
		if err != nil {
			return nil, err
		}
		if _, err := e.GetRule(ctx, c, input.RuleID); err != nil {
			return nil, handleError(err)
		}
		items, err := triggers.List(ctx, repo.TriggerFilter{RuleID: input.RuleID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Trigger{}
		}
		return &struct {
			Body triggerList `json:"body"`
		}{Body: triggerList{Items: items}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "userId is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, user, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
