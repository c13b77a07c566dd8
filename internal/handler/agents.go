package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jun/agentsync/internal/adapter"
	"github.com/jun/agentsync/internal/agent"
	"github.com/jun/agentsync/internal/auth"
	"github.com/jun/agentsync/internal/model"
)

// AgentService is the control surface used by AgentHandler.
type AgentService interface {
	Create(ctx context.Context, p agent.CreateParams) (*agent.CreateResult, error)
	Get(ctx context.Context, caller auth.Claims, agentID string) (*model.Agent, error)
	Update(ctx context.Context, caller auth.Claims, agentID string, p agent.UpdateParams) error
	AddDriveSource(ctx context.Context, caller auth.Claims, agentID string, p agent.SourceParams) (string, error)
	RemoveDriveSource(ctx context.Context, caller auth.Claims, agentID, sourceID string) error
	RenameDriveSource(ctx context.Context, caller auth.Claims, agentID, sourceID, displayName string) error
	Delete(ctx context.Context, caller auth.Claims, agentID string) error
	TriggerSync(ctx context.Context, caller auth.Claims, agentID string) error
}

// AgentHandler handles agent and drive source requests.
type AgentHandler struct {
	agents    AgentService
	jwtSecret string
	log       *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(agents AgentService, jwtSecret string, log *zap.Logger) *AgentHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AgentHandler{agents: agents, jwtSecret: jwtSecret, log: log}
}

// errorResponse maps service errors to status codes. Unknown errors are 500.
func (h *AgentHandler) errorResponse(err error) events.APIGatewayProxyResponse {
	switch {
	case errors.Is(err, agent.ErrInvalid), errors.Is(err, agent.ErrLastDriveSource):
		return textResponse(http.StatusBadRequest, err.Error())
	case errors.Is(err, agent.ErrForbidden):
		return textResponse(http.StatusForbidden, "Forbidden")
	case errors.Is(err, adapter.ErrNotFound):
		return textResponse(http.StatusNotFound, "Not found")
	case errors.Is(err, adapter.ErrAlreadyExists),
		errors.Is(err, agent.ErrDuplicateDriveSource),
		errors.Is(err, agent.ErrSourceSyncing),
		errors.Is(err, agent.ErrAgentSyncing):
		return textResponse(http.StatusConflict, err.Error())
	}
	h.log.Error("Agent request failed", zap.Error(err))
	return textResponse(http.StatusInternalServerError, "Internal Server Error")
}

func (h *AgentHandler) caller(req events.APIGatewayProxyRequest) (auth.Claims, *events.APIGatewayProxyResponse) {
	claims, err := GetClaims(req, h.jwtSecret)
	if err != nil {
		resp := textResponse(http.StatusUnauthorized, "Unauthorized")
		return auth.Claims{}, &resp
	}
	return claims, nil
}

// CreateAgent handles POST /agents.
func (h *AgentHandler) CreateAgent(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	var p agent.CreateParams
	if err := json.Unmarshal([]byte(req.Body), &p); err != nil {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	p.CreatedBy = claims.UserID

	res, err := h.agents.Create(ctx, p)
	if err != nil {
		return h.errorResponse(err), nil
	}
	return jsonResponse(http.StatusCreated, res), nil
}

// GetAgent handles GET /agents/{id}.
func (h *AgentHandler) GetAgent(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	a, err := h.agents.Get(ctx, claims, req.PathParameters["id"])
	if err != nil {
		return h.errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, a), nil
}

// UpdateAgent handles PATCH /agents/{id}.
func (h *AgentHandler) UpdateAgent(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	var p agent.UpdateParams
	if err := json.Unmarshal([]byte(req.Body), &p); err != nil {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	if err := h.agents.Update(ctx, claims, req.PathParameters["id"], p); err != nil {
		return h.errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, map[string]bool{"success": true}), nil
}

// DeleteAgent handles DELETE /agents/{id}.
func (h *AgentHandler) DeleteAgent(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	if err := h.agents.Delete(ctx, claims, req.PathParameters["id"]); err != nil {
		return h.errorResponse(err), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}

// TriggerSync handles POST /agents/{id}/sync.
func (h *AgentHandler) TriggerSync(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	if err := h.agents.TriggerSync(ctx, claims, req.PathParameters["id"]); err != nil {
		return h.errorResponse(err), nil
	}
	return jsonResponse(http.StatusAccepted, map[string]bool{"success": true}), nil
}

// AddDriveSource handles POST /agents/{id}/drive-sources.
func (h *AgentHandler) AddDriveSource(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	var p agent.SourceParams
	if err := json.Unmarshal([]byte(req.Body), &p); err != nil {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	id, err := h.agents.AddDriveSource(ctx, claims, req.PathParameters["id"], p)
	if err != nil {
		return h.errorResponse(err), nil
	}
	return jsonResponse(http.StatusCreated, map[string]string{"driveSourceId": id}), nil
}

// RemoveDriveSource handles DELETE /agents/{id}/drive-sources/{sourceId}.
func (h *AgentHandler) RemoveDriveSource(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	err := h.agents.RemoveDriveSource(ctx, claims, req.PathParameters["id"], req.PathParameters["sourceId"])
	if err != nil {
		return h.errorResponse(err), nil
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}, nil
}

// UpdateDriveSource handles PATCH /agents/{id}/drive-sources/{sourceId}.
func (h *AgentHandler) UpdateDriveSource(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	claims, denied := h.caller(req)
	if denied != nil {
		return *denied, nil
	}
	var body struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return textResponse(http.StatusBadRequest, "Invalid request body"), nil
	}
	err := h.agents.RenameDriveSource(ctx, claims, req.PathParameters["id"], req.PathParameters["sourceId"], body.DisplayName)
	if err != nil {
		return h.errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, map[string]bool{"success": true}), nil
}
