package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"autodash/internal/domain"
	"autodash/internal/engine"
	"autodash/internal/repo"
	"autodash/internal/summary"
)

const (
	apiBasePath = "/api"

	defaultMaxBodyBytes = 10 << 20
)

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	Auth         AuthConfig
	Limits       LimitsConfig
	CORSOrigin   string
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"emailContent is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"workflow_id\":\"3f1c2d9e-5d0a-4b8e-9a51-2b0c7e1d4f00\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dashboard API.
func New(cfg Config) (http.Handler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{corsOrigin(cfg.CORSOrigin)},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	router.Use(newRateLimitMiddleware(cfg.Limits))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "", "request body too large", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(apiBasePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Automation Dashboard API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	// Response bodies keep the dashboard's exact shape, without $schema links.
	hcfg.CreateHooks = nil
	hcfg.Transformers = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, apiBasePath)

	registerDocs(router)
	registerHealth(api)
	registerWorkflows(group, cfg.Engine, maxBody)
	registerLogs(group, cfg.Engine)
	registerSummaries(group, cfg.Engine, maxBody)
	registerStats(group, cfg.Engine)
	registerOpenAPI(router, api, cfg.Auth.Enabled())

	return router, nil
}

func corsOrigin(origin string) string {
	if strings.TrimSpace(origin) == "" {
		return "http://localhost:5173"
	}
	return origin
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
	return handleWorkflowError("", err)
}

// handleWorkflowError maps err to the error envelope. A non-empty workflowID
// is reported back so clients can look up the recorded workflow.
func handleWorkflowError(workflowID string, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Message, map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var details map[string]any
	if workflowID != "" {
		details = map[string]any{"workflow_id": workflowID}
	}
	var te *engine.TaskExecutionError
	switch {
	case errors.As(err, &te):
		return newAPIError(http.StatusInternalServerError, "task_failed", err.Error(), map[string]any{"workflow_id": te.WorkflowID})
	case errors.Is(err, engine.ErrFinalize):
		return newAPIError(http.StatusInternalServerError, "finalize_failed", err.Error(), details)
	case errors.Is(err, summary.ErrGenerationFailed):
		return newAPIError(http.StatusInternalServerError, "summary_failed", err.Error(), details)
	}
	if details == nil {
		details = map[string]any{}
	}
	details["error"] = err.Error()
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx, _ := withPrincipalSlot(r.Context())
			r = r.WithContext(ctx)
			start := time.Now()
			defer func() {
				attrs := []any{
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(ctx),
				}
				if p, ok := PrincipalFromContext(ctx); ok {
					attrs = append(attrs, "principal", p.Subject)
				}
				logger.Info("http request", attrs...)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func registerDocs(r chi.Router) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML)
	})
}

func registerOpenAPI(r chi.Router, api huma.API, authEnabled bool) {
	var (
		once    sync.Once
		spec    []byte
		specErr error
	)
	r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if authEnabled {
				applyAuthSecurity(oas)
			}
			spec, specErr = json.Marshal(oas)
		})
		if specErr != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "openapi document unavailable", map[string]any{"error": specErr.Error()}))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	// Operations register *apiError as ApiError; an API without any error
	// response still needs the schema the default responses point at.
	if oas.Components != nil && oas.Components.Schemas != nil {
		if _, ok := oas.Components.Schemas.Map()["ApiError"]; !ok {
			oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
		}
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

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if !strings.HasPrefix(route, apiBasePath+"/") {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

const swaggerHTML = `<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Automation Dashboard API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '/openapi.json',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Timestamp: domain.FormatTime(time.Now())}}, nil
	})
}

func registerWorkflows(api huma.API, e engine.Engine, maxBody int64) {
	huma.Register(api, huma.Operation{
		OperationID:  "trigger-email-parse",
		Method:       http.MethodPost,
		Path:         "/workflows/email-parse",
		Summary:      "Run the email parsing workflow",
		MaxBodyBytes: maxBody,
		Errors:       []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body EmailParseRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		if isNullRaw(rawBodyMap(ctx)["emailContent"]) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "emailContent is required", map[string]any{"field": "emailContent"})
		}
		res, err := e.TriggerEmailParse(ctx, input.Body.EmailContent)
		if err != nil {
			return nil, handleWorkflowError(res.WorkflowID, err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "trigger-data-clean",
		Method:       http.MethodPost,
		Path:         "/workflows/data-clean",
		Summary:      "Run the data cleaning workflow",
		MaxBodyBytes: maxBody,
		Errors:       []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DataCleanRequest `json:"body"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		res, err := e.TriggerDataClean(ctx, rawBodyMap(ctx)["data"])
		if err != nil {
			return nil, handleWorkflowError(res.WorkflowID, err)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit  string `query:"limit" doc:"Maximum workflows to return (default 100)"`
		Status string `query:"status" doc:"Only return workflows in this status"`
	}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		var (
			items []domain.Workflow
			err   error
		)
		if input.Status != "" {
			status := domain.WorkflowStatus(input.Status)
			if !status.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"field": "status"})
			}
			items, err = e.Repo.ListWorkflowsByStatus(ctx, status)
		} else {
			items, err = e.Repo.ListWorkflows(ctx, normalizeLimit(input.Limit, 100, 1000))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: mapWorkflows(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get a workflow",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkflow(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", "Workflow not found", map[string]any{"workflow_id": input.ID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(w)}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List recent log entries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit string `query:"limit" doc:"Maximum entries to return (default 500)"`
	}) (*struct {
		Body []LogResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListLogs(ctx, normalizeLimit(input.Limit, 500, 1000))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LogResponse `json:"body"`
		}{Body: mapLogs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-logs",
		Method:      http.MethodGet,
		Path:        "/logs/{workflowId}",
		Summary:     "List a workflow's log entries, oldest first",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflowId"`
	}) (*struct {
		Body []LogResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListLogsByWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []LogResponse `json:"body"`
		}{Body: mapLogs(items)}, nil
	})
}

func registerSummaries(api huma.API, e engine.Engine, maxBody int64) {
	huma.Register(api, huma.Operation{
		OperationID:  "summarize",
		Method:       http.MethodPost,
		Path:         "/summarize",
		Summary:      "Generate and store a summary",
		MaxBodyBytes: maxBody,
		Errors:       []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SummarizeRequest `json:"body"`
	}) (*struct {
		Body SummarizeResponse `json:"body"`
	}, error) {
		res, err := e.Summarize(ctx, engine.SummarizeOptions{
			Content:    input.Body.Content,
			Kind:       summary.Kind(input.Body.Type),
			WorkflowID: input.Body.WorkflowID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummarizeResponse `json:"body"`
		}{Body: SummarizeResponse{ID: res.Summary.ID, Summary: res.Summary.Content, Usage: res.Usage}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-insights",
		Method:      http.MethodGet,
		Path:        "/insights/workflows",
		Summary:     "Summarize recent workflow executions",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit string `query:"limit" doc:"Workflows to analyse (default 50)"`
	}) (*struct {
		Body InsightsResponse `json:"body"`
	}, error) {
		res, err := e.WorkflowInsights(ctx, normalizeLimit(input.Limit, 50, 200))
		if err != nil {
			return nil, handleError(err)
		}
		out := InsightsResponse{Message: "No workflows to analyze"}
		if res.Result != nil {
			out = InsightsResponse{
				Insights:      &res.Result.Content,
				AnalyzedCount: &res.AnalyzedCount,
				Usage:         &res.Result.Usage,
			}
		}
		return &struct {
			Body InsightsResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "report-summary",
		Method:       http.MethodPost,
		Path:         "/reports/summarize",
		Summary:      "Summarize report data",
		MaxBodyBytes: maxBody,
		Errors:       []int{http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ReportSummaryRequest `json:"body"`
	}) (*struct {
		Body ReportSummaryResponse `json:"body"`
	}, error) {
		res, err := e.ReportSummary(ctx, rawBodyMap(ctx)["data"])
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportSummaryResponse `json:"body"`
		}{Body: ReportSummaryResponse{Summary: res.Content, Usage: res.Usage}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-summaries",
		Method:      http.MethodGet,
		Path:        "/summaries",
		Summary:     "List summaries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit string `query:"limit" doc:"Maximum summaries to return (default 50)"`
	}) (*struct {
		Body []SummaryResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSummaries(ctx, normalizeLimit(input.Limit, 50, 500))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SummaryResponse `json:"body"`
		}{Body: mapSummaries(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-summary",
		Method:      http.MethodGet,
		Path:        "/summaries/{id}",
		Summary:     "Get a summary",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: summaryResponse(s)}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Dashboard counters",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: statsResponse(stats)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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

// normalizeLimit applies def to missing, unparsable or non-positive limits
// and caps the rest at max. Leading digits count, so "20abc" means 20.
func normalizeLimit(raw string, def, max int) int {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	in, err := strconv.Atoi(raw[:end])
	if err != nil || in <= 0 {
		return def
	}
	if in > max {
		return max
	}
	return in
}
