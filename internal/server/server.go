package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"castline/internal/domain"
	"castline/internal/engine"
	"castline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"unknown catalog ids: rebar.cover"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Castline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Castline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerBoxes(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerCheckpoints(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
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

// handleError maps engine fault kinds onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	kind, tagged := engine.KindOf(err)
	if !tagged {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	details := engine.Details(err)
	switch kind {
	case engine.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), details)
	case engine.KindValidation:
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	case engine.KindPolicyDenied:
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Castline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated identity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Identity `json:"body"`
	}, error) {
		id, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Identity `json:"body"`
		}{Body: id}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, engine.ProjectInit{ID: input.Body.ID, Name: input.Body.Name}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerBoxes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-box",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/boxes",
		Summary:       "Create box",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      CreateBoxRequest `json:"body"`
	}) (*struct {
		Body domain.Box `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CreateBox(ctx, input.ProjectID, engine.BoxCreate{ID: input.Body.ID, Name: input.Body.Name}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Box `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-boxes",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/boxes",
		Summary:     "List boxes",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Box `json:"body"`
	}, error) {
		items, err := e.Repo.ListBoxes(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Box `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-box",
		Method:      http.MethodGet,
		Path:        "/boxes/{box_id}",
		Summary:     "Get box",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BoxID string `path:"box_id"`
	}) (*struct {
		Body domain.Box `json:"body"`
	}, error) {
		b, err := e.GetBox(ctx, input.BoxID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Box `json:"body"`
		}{Body: b}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/boxes/{box_id}/activities",
		Summary:       "Create activity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BoxID string                `path:"box_id"`
		Body  CreateActivityRequest `json:"body"`
	}) (*struct {
		Body domain.Activity `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateActivity(ctx, input.BoxID, engine.ActivityCreate{
			ID:              input.Body.ID,
			Name:            input.Body.Name,
			IsWIRCheckpoint: input.Body.IsWIRCheckpoint,
			TeamID:          input.Body.TeamID,
			MemberID:        input.Body.MemberID,
		}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/boxes/{box_id}/activities",
		Summary:     "List activities",
	}, func(ctx context.Context, input *struct {
		BoxID string `path:"box_id"`
	}) (*struct {
		Body []domain.Activity `json:"body"`
	}, error) {
		items, err := e.Repo.ListActivities(ctx, input.BoxID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Activity `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-activity",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}",
		Summary:     "Get activity",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body domain.Activity `json:"body"`
	}, error) {
		a, err := e.GetActivity(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-activity-status",
		Method:      http.MethodPatch,
		Path:        "/activities/{activity_id}/status",
		Summary:     "Update activity status",
		Description: "Records progress and cascades into box and project status in the same transaction.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ActivityID string                      `path:"activity_id"`
		Body       UpdateActivityStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Activity `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UpdateActivityStatus(ctx, input.ActivityID, engine.ActivityStatusUpdate{
			Status:            input.Body.Status,
			Progress:          input.Body.Progress,
			WorkDescription:   input.Body.WorkDescription,
			IssuesEncountered: input.Body.IssuesEncountered,
		}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-activity",
		Method:      http.MethodDelete,
		Path:        "/activities/{activity_id}",
		Summary:     "Deactivate activity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body domain.Activity `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.DeactivateActivity(ctx, input.ActivityID, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Activity `json:"body"`
		}{Body: a}, nil
	})
}

func registerCheckpoints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-checkpoint",
		Method:        http.MethodPost,
		Path:          "/activities/{activity_id}/checkpoints",
		Summary:       "Request inspection",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ActivityID string                  `path:"activity_id"`
		Body       CreateCheckpointRequest `json:"body"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCheckpoint(ctx, input.ActivityID, engine.CheckpointCreate{
			ID:             input.Body.ID,
			Name:           input.Body.Name,
			Description:    input.Body.Description,
			Comments:       input.Body.Comments,
			AttachmentPath: input.Body.AttachmentPath,
			Evidence:       input.Body.Evidence,
		}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}/checkpoints",
		Summary:     "List checkpoints",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body []domain.Checkpoint `json:"body"`
	}, error) {
		items, err := e.ListCheckpoints(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Checkpoint `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checkpoint",
		Method:      http.MethodGet,
		Path:        "/checkpoints/{checkpoint_id}",
		Summary:     "Get checkpoint",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CheckpointID string `path:"checkpoint_id"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		c, err := e.GetCheckpoint(ctx, input.CheckpointID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-checklist-items",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{checkpoint_id}/items",
		Summary:     "Add checklist items",
		Description: "Appends free-form items or clones catalog entries onto the checklist.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CheckpointID string                   `path:"checkpoint_id"`
		Body         AddChecklistItemsRequest `json:"body"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(input.Body.Items) > 0 && len(input.Body.CatalogIDs) > 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "items and catalog_ids are mutually exclusive", nil)
		}
		var c domain.Checkpoint
		var err error
		if len(input.Body.CatalogIDs) > 0 {
			c, err = e.AddChecklistItemsFromCatalog(ctx, input.CheckpointID, input.Body.CatalogIDs, identity)
		} else {
			items := make([]engine.ChecklistItemInput, 0, len(input.Body.Items))
			for _, it := range input.Body.Items {
				items = append(items, engine.ChecklistItemInput{
					Description:       it.Description,
					ReferenceDocument: it.ReferenceDocument,
					Sequence:          it.Sequence,
					Remarks:           it.Remarks,
				})
			}
			c, err = e.AddChecklistItems(ctx, input.CheckpointID, items, identity)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/checklist-items/{item_id}",
		Summary:     "Update checklist item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string                     `path:"item_id"`
		Body   UpdateChecklistItemRequest `json:"body"`
	}) (*struct {
		Body domain.ChecklistItem `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.UpdateChecklistItem(ctx, input.ItemID, engine.ChecklistItemPatch{
			Description:       input.Body.Description,
			ReferenceDocument: input.Body.ReferenceDocument,
			Sequence:          input.Body.Sequence,
			Status:            input.Body.Status,
			Remarks:           input.Body.Remarks,
		}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ChecklistItem `json:"body"`
		}{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-checklist-item",
		Method:      http.MethodDelete,
		Path:        "/checklist-items/{item_id}",
		Summary:     "Delete checklist item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteChecklistItem(ctx, input.ItemID, identity); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-checkpoint",
		Method:      http.MethodPost,
		Path:        "/checkpoints/{checkpoint_id}/review",
		Summary:     "Review checkpoint",
		Description: "Records the inspection outcome. Never cascades into activity or box status.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CheckpointID string                  `path:"checkpoint_id"`
		Body         ReviewCheckpointRequest `json:"body"`
	}) (*struct {
		Body domain.Checkpoint `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		results := make([]engine.ItemResult, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			results = append(results, engine.ItemResult{ItemID: it.ItemID, Status: it.Status, Remarks: it.Remarks})
		}
		c, err := e.ReviewCheckpoint(ctx, input.CheckpointID, engine.CheckpointReview{
			FinalStatus:    input.Body.Status,
			Items:          results,
			InspectorName:  input.Body.InspectorName,
			InspectorRole:  input.Body.InspectorRole,
			Comments:       input.Body.Comments,
			AttachmentPath: input.Body.AttachmentPath,
			Evidence:       input.Body.Evidence,
		}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checkpoint `json:"body"`
		}{Body: c}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/boxes/{box_id}/issues",
		Summary:       "Raise quality issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BoxID string             `path:"box_id"`
		Body  CreateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.QualityIssue `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qi, err := e.CreateQualityIssue(ctx, input.BoxID, engine.IssueCreate{
			ID:           input.Body.ID,
			CheckpointID: input.Body.CheckpointID,
			IssueType:    input.Body.IssueType,
			Severity:     input.Body.Severity,
			Description:  input.Body.Description,
			TeamID:       input.Body.TeamID,
			MemberID:     input.Body.MemberID,
			CCUserID:     input.Body.CCUserID,
			DueDate:      input.Body.DueDate,
			Evidence:     input.Body.Evidence,
		}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QualityIssue `json:"body"`
		}{Body: qi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List quality issues",
	}, func(ctx context.Context, input *struct {
		BoxID        string `query:"box_id"`
		CheckpointID string `query:"checkpoint_id"`
		Status       string `query:"status"`
		Severity     string `query:"severity"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.QualityIssue `json:"body"`
	}, error) {
		items, err := e.ListQualityIssues(ctx, repo.IssueFilters{
			BoxID:        input.BoxID,
			CheckpointID: input.CheckpointID,
			Status:       input.Status,
			Severity:     input.Severity,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.QualityIssue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get quality issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body domain.QualityIssue `json:"body"`
	}, error) {
		qi, err := e.GetQualityIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QualityIssue `json:"body"`
		}{Body: qi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue-status",
		Method:      http.MethodPatch,
		Path:        "/issues/{issue_id}/status",
		Summary:     "Update issue status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		IssueID string                   `path:"issue_id"`
		Body    UpdateIssueStatusRequest `json:"body"`
	}) (*struct {
		Body domain.QualityIssue `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qi, err := e.UpdateQualityIssueStatus(ctx, input.IssueID, engine.IssueStatusUpdate{
			Status:                input.Body.Status,
			ResolutionDescription: input.Body.ResolutionDescription,
			Evidence:              input.Body.Evidence,
		}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QualityIssue `json:"body"`
		}{Body: qi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/assign",
		Summary:     "Assign issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		IssueID string             `path:"issue_id"`
		Body    AssignIssueRequest `json:"body"`
	}) (*struct {
		Body domain.QualityIssue `json:"body"`
	}, error) {
		identity, authErr := requireIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qi, err := e.AssignQualityIssue(ctx, input.IssueID, input.Body.TeamID, input.Body.MemberID, input.Body.CCUserID, identity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.QualityIssue `json:"body"`
		}{Body: qi}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List predefined checklist catalog",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Include inactive entries"`
	}) (*struct {
		Body []domain.CatalogItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListCatalogItems(ctx, !input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CatalogItem `json:"body"`
		}{Body: items}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit trail",
		Description: "Newest first. Use next_cursor to page backwards through history.",
	}, func(ctx context.Context, input *struct {
		Table    string `query:"table"`
		RecordID string `query:"record_id"`
		ActorID  string `query:"actor_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   int64  `query:"cursor"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		recs, err := e.Repo.ListAuditRecords(ctx, repo.AuditFilters{
			TableName: input.Table,
			RecordID:  input.RecordID,
			ActorID:   input.ActorID,
			Limit:     limit + 1,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAudit{Items: []domain.AuditRecord{}}
		if len(recs) > limit {
			recs = recs[:limit]
			// Pages filter on id < cursor, so the cursor is the last id served.
			resp.NextCursor = recs[limit-1].ID
		}
		resp.Items = recs
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: resp}, nil
	})
}
