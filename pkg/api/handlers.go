package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"stageengine/pkg/engine"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
)

// maxLogEntries caps GET /api/logs responses.
const maxLogEntries = 1000

// RunStageBody is the optional body of a run request.
type RunStageBody struct {
	FlowSteps  []*persistence.FlowStep `json:"flow_steps,omitempty"`
	FeedbackID string                  `json:"feedback_id,omitempty"`
	Strategy   string                  `json:"strategy,omitempty"`
}

// FeedbackBody is the body of a feedback submission.
type FeedbackBody struct {
	Content          string `json:"content"`
	Rating           int    `json:"rating"`
	RequiresRevision bool   `json:"requires_revision"`
	IsPermanent      bool   `json:"is_permanent"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Category    string   `json:"category,omitempty"`
	Retryable   bool     `json:"retryable"`
	StepIDs     []string `json:"step_ids,omitempty"`
	Failed      []string `json:"failed_steps,omitempty"`
	Unprocessed []string `json:"unprocessed_steps,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// handleLogs implements GET /api/logs?component=&since=.
func (s *Server) handleLogs(c echo.Context) error {
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid since parameter (use RFC3339)"})
		}
	}
	entries := logx.RecentEntries(c.QueryParam("component"), since)
	if len(entries) > maxLogEntries {
		entries = entries[len(entries)-maxLogEntries:]
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleRunStage(c echo.Context) error {
	var body RunStageBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
	}

	result, err := s.runner.RunStage(c.Request().Context(), &engine.RunRequest{
		BriefID:    c.Param("brief_id"),
		StageID:    c.Param("stage_id"),
		FlowSteps:  body.FlowSteps,
		FeedbackID: body.FeedbackID,
		Strategy:   body.Strategy,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCurrentOutput(c echo.Context) error {
	out, err := s.store.CurrentBriefOutput(c.Request().Context(), c.Param("brief_id"), c.Param("stage_id"))
	if err != nil {
		return s.writeLookupError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleListOutputs(c echo.Context) error {
	outputs, err := s.store.ListBriefOutputs(c.Request().Context(), c.Param("brief_id"), c.QueryParam("stage_id"))
	if err != nil {
		return s.writeError(c, err)
	}
	if outputs == nil {
		outputs = []*persistence.BriefOutput{}
	}
	return c.JSON(http.StatusOK, outputs)
}

func (s *Server) handleListConversations(c echo.Context) error {
	convs, err := s.store.ListConversations(c.Request().Context(), c.Param("brief_id"), c.QueryParam("stage_id"))
	if err != nil {
		return s.writeError(c, err)
	}
	if convs == nil {
		convs = []*persistence.WorkflowConversation{}
	}
	return c.JSON(http.StatusOK, convs)
}

func (s *Server) handleCreateFeedback(c echo.Context) error {
	var body FeedbackBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
	}
	if strings.TrimSpace(body.Content) == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "feedback content is required"})
	}

	ctx := c.Request().Context()
	briefID, stageID := c.Param("brief_id"), c.Param("stage_id")
	if _, err := s.store.GetBrief(ctx, briefID); err != nil {
		return s.writeLookupError(c, err)
	}
	if _, err := s.store.GetStage(ctx, stageID); err != nil {
		return s.writeLookupError(c, err)
	}

	fb := &persistence.StageFeedback{
		BriefID:          briefID,
		StageID:          stageID,
		Content:          body.Content,
		Rating:           body.Rating,
		RequiresRevision: body.RequiresRevision,
		IsPermanent:      body.IsPermanent,
	}
	if err := s.store.InsertFeedback(ctx, fb); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, fb)
}

func (s *Server) writeLookupError(c echo.Context, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	}
	return s.writeError(c, err)
}

// writeError maps an error's category to a status code.
func (s *Server) writeError(c echo.Context, err error) error {
	category := engineerr.CategoryOf(err)
	var status int
	switch category {
	case engineerr.CategoryValidation:
		status = http.StatusBadRequest
	case engineerr.CategoryDependency:
		status = http.StatusUnprocessableEntity
	case engineerr.CategoryProcessing:
		status = http.StatusBadGateway
	case engineerr.CategoryNetwork:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	resp := ErrorResponse{
		Error:     err.Error(),
		Category:  category.String(),
		Retryable: engineerr.IsRetryable(err),
		StepIDs:   engineerr.StepIDsOf(err),
	}
	var runErr *engine.RunError
	if errors.As(err, &runErr) {
		resp.Failed, resp.Unprocessed = runErr.Failed, runErr.Unprocessed
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("%s %s: %v", c.Request().Method, c.Request().URL.Path, err)
	}
	return c.JSON(status, resp)
}
