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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/engine/auth"
	"missionline/internal/ledger"
	"missionline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"MISSION_NOT_FOUND"`
	Message string         `json:"message" example:"mission m-1 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Missionline API.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBuf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBuf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBuf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Missionline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMissions(group, cfg.Engine)
	registerBids(group, cfg.Engine)
	registerVerification(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerDispatch(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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

// handleError maps engine codes onto HTTP statuses. The code travels to the
// client unchanged.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, engine.CodeForbidden, err.Error(), map[string]any{"role": fe.Role})
	}
	if errors.Is(err, engine.ErrIntegrity) {
		return newAPIError(http.StatusInternalServerError, "INTEGRITY_VIOLATION", err.Error(), nil)
	}
	if code := engine.CodeOf(err); code != "" {
		var ce *engine.CodedError
		errors.As(err, &ce)
		switch code {
		case engine.CodeMissionNotFound, engine.CodeAgentNotFound:
			return newAPIError(http.StatusNotFound, code, ce.Message, nil)
		case engine.CodeInvalidStatus, engine.CodeBiddingInProgress, engine.CodeBiddingClosed,
			engine.CodeDuplicateBond, engine.CodeDuplicateBid, engine.CodeDuplicateEscrow,
			engine.CodeScoreTie, engine.CodeAlreadySettled:
			return newAPIError(http.StatusConflict, code, ce.Message, nil)
		case engine.CodeInsufficientBalance, engine.CodeBondTooLow,
			engine.CodeNotEnoughVerifiers, engine.CodeNoEligibleAgents:
			return newAPIError(http.StatusUnprocessableEntity, code, ce.Message, nil)
		case engine.CodeWorkerNotAssigned, engine.CodeForbidden:
			return newAPIError(http.StatusForbidden, code, ce.Message, nil)
		default:
			return newAPIError(http.StatusBadRequest, code, ce.Message, nil)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return newAPIError(http.StatusUnprocessableEntity, engine.CodeInsufficientBalance, err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func requireRole(ctx context.Context, e engine.Engine, action string, roles ...string) error {
	actorID, authErr := actorIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	for _, r := range roles {
		if principal, ok := principalFromContext(ctx); ok {
			for _, pr := range principal.Roles {
				if pr == r || pr == "admin" {
					return nil
				}
			}
		}
	}
	return e.Auth.RequireRole(ctx, actorID, action, roles...)
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
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
    <title>Missionline API Docs</title>
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

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Post a mission",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.MissionCreateOptions{
			RequesterID:  actorID,
			Title:        input.Body.Title,
			Reward:       input.Body.Reward,
			Specialties:  input.Body.Specialties,
			Requirements: input.Body.Requirements,
			Deliverables: input.Body.Deliverables,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		if input.Body.DeadlineAt != nil {
			opts.DeadlineAt = *input.Body.DeadlineAt
		}
		if input.Body.TimeoutMinutes != nil {
			opts.TimeoutMinutes = *input.Body.TimeoutMinutes
		}
		if input.Body.Mode != nil {
			opts.Mode = *input.Body.Mode
		}
		if input.Body.HireAgentID != nil {
			opts.HireAgentID = *input.Body.HireAgentID
		}
		m, err := e.CreateMission(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: mapMission(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions",
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Assigned string `query:"assigned_agent_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := e.Repo.ListMissions(ctx, repo.MissionFilters{
			Status:        input.Status,
			AssignedAgent: input.Assigned,
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: mapMissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := e.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: mapMission(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/start",
		Summary:     "Start an assigned mission (stakes the worker bond)",
		Errors: []int{
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.StartMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: mapMission(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-work",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/submit",
		Summary:     "Submit the mission deliverable",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string            `path:"mission_id"`
		Body      SubmitWorkRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.SubmitWork(ctx, input.MissionID, actorID, input.Body.Submission, input.Body.ArtifactsJSON)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: mapMission(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-mission",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/settle",
		Summary:     "Tally votes and settle a mission",
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Settlement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SettleMission(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settlement `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settlement",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/settlement",
		Summary:     "Get a mission's settlement receipt",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Settlement `json:"body"`
	}, error) {
		s, err := e.Repo.GetSettlementByMission(ctx, nil, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Settlement `json:"body"`
		}{Body: s}, nil
	})
}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-bid",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/bids",
		Summary:       "Submit a sealed bid",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string           `path:"mission_id"`
		Body      SubmitBidRequest `json:"body"`
	}) (*struct {
		Body domain.Bid `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.SubmitBid(ctx, engine.BidOptions{
			MissionID:   input.MissionID,
			AgentID:     actorID,
			Price:       input.Body.Price,
			ETAMinutes:  input.Body.ETAMinutes,
			BondOffered: input.Body.BondOffered,
			Message:     input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Bid `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bids",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/bids",
		Summary:     "List bids on a mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body []domain.Bid `json:"body"`
	}, error) {
		items, err := e.Repo.ListBids(ctx, nil, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Bid{}
		}
		return &struct {
			Body []domain.Bid `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-bidding",
		Method:      http.MethodPost,
		Path:        "/missions/{mission_id}/close-bidding",
		Summary:     "Close the auction early (idempotent)",
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.CloseBidding(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: mapMission(m)}, nil
	})
}

func registerVerification(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "stake-verifier-bond",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/verifier-bond",
		Summary:       "Stake a verifier bond to join verification",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.BondRecord `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.StakeVerifierBond(ctx, input.MissionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BondRecord `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "cast-vote",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/votes",
		Summary:       "Cast an approve/reject vote",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		MissionID string          `path:"mission_id"`
		Body      CastVoteRequest `json:"body"`
	}) (*struct {
		Body domain.VerifierVote `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CastVote(ctx, input.MissionID, actorID, input.Body.Vote, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.VerifierVote `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bonds",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/bonds",
		Summary:     "List bonds on a mission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body []domain.BondRecord `json:"body"`
	}, error) {
		items, err := e.Repo.ListBondsByMission(ctx, nil, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.BondRecord{}
		}
		return &struct {
			Body []domain.BondRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RegisterAgent(ctx, engine.AgentRegisterOptions{
			ID:            input.Body.ID,
			Name:          input.Body.Name,
			Role:          input.Body.Role,
			Specialties:   input.Body.Specialties,
			HourlyRate:    input.Body.HourlyRate,
			MaxConcurrent: input.Body.MaxConcurrent,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: mapAgent(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		Role      string `query:"role"`
		Available bool   `query:"available"`
	}) (*struct {
		Body []domain.Agent `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgents(ctx, repo.AgentFilters{Role: input.Role, AvailableOnly: input.Available})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Agent `json:"body"`
		}{Body: mapAgents(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		a, err := e.Repo.GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: mapAgent(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Update agent profile",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.Agent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if actorID != input.AgentID {
			if err := requireRole(ctx, e, "agent.update", "admin"); err != nil {
				return nil, handleError(err)
			}
		}
		a, err := e.UpdateAgentProfile(ctx, input.AgentID, repo.AgentUpdate{
			Name:          input.Body.Name,
			Specialties:   input.Body.Specialties,
			HourlyRate:    input.Body.HourlyRate,
			Available:     input.Body.Available,
			Suspended:     input.Body.Suspended,
			MaxConcurrent: input.Body.MaxConcurrent,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agent `json:"body"`
		}{Body: mapAgent(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-history",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/history",
		Summary:     "Recent assignment wins",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body []domain.AssignmentRecord `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignments(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AssignmentRecord{}
		}
		return &struct {
			Body []domain.AssignmentRecord `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-agent-history",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}/history",
		Summary:     "Clear assignment history (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, e, "agent.clear-history", "admin"); err != nil {
			return nil, handleError(err)
		}
		if err := e.ClearAgentHistory(ctx, input.AgentID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "agent-balance",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/balance",
		Summary:     "Available balance",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		available, err := e.AvailableBalance(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{AgentID: input.AgentID, Available: available}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mint-funds",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/mint",
		Summary:     "Mint credits to an agent (admin)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string      `path:"agent_id"`
		Body    MintRequest `json:"body"`
	}) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, e, "ledger.mint", "admin"); err != nil {
			return nil, handleError(err)
		}
		available, err := e.MintFunds(ctx, input.AgentID, input.Body.Amount, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{AgentID: input.AgentID, Available: available}}, nil
	})
}

func registerDispatch(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "poll-dispatch",
		Method:      http.MethodGet,
		Path:        "/dispatch",
		Summary:     "Poll queued notifications for the calling agent",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,acked"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.DispatchTask `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListDispatch(ctx, actorID, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.DispatchTask{}
		}
		return &struct {
			Body []domain.DispatchTask `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ack-dispatch",
		Method:      http.MethodPost,
		Path:        "/dispatch/{task_id}/ack",
		Summary:     "Acknowledge a notification",
		Errors: []int{
			http.StatusConflict,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AckDispatch(ctx, input.TaskID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"mission_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.MissionID, input.Type, "")
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles := principal.Roles
		if len(roles) == 0 {
			if role, err := e.Auth.AgentRole(ctx, principal.ActorID); err == nil && role != "" {
				roles = []string{role}
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(roles),
			Source:  principal.Source,
		}}, nil
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
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
