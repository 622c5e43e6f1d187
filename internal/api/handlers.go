package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/ingest"
	"fraud-anomaly-scoring/internal/storage"
)

const defaultModelRunLimit = 50

func (s *Server) healthHandler(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if snap, err := s.pipeline.Registry().Current(); err == nil {
		body["model_version"] = snap.Version
	} else {
		body["model_version"] = nil
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) ingestHandler(c *gin.Context) {
	var req ingest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.pipeline.Ingest(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ingestResponse{
		EventID:       res.Event.ID,
		Duplicate:     res.Duplicate,
		FeatureVector: res.Features,
	})
}

func (s *Server) scoreHandler(c *gin.Context) {
	var req ingest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := s.pipeline.Score(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScoreResponse(out))
}

func (s *Server) scoreByEventIDHandler(c *gin.Context) {
	var req scoreByEventIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := s.pipeline.ScoreByEventID(c.Request.Context(), req.EventID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toScoreResponse(out))
}

func (s *Server) listEventsHandler(c *gin.Context) {
	limit, ok := intQuery(c, "limit", storage.DefaultListLimit)
	if !ok {
		return
	}
	events, err := s.pipeline.ListEvents(c.Request.Context(), storage.EventFilter{
		Limit:  limit,
		UserID: c.Query("user_id"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ie := range events {
		out = append(out, toEventResponse(ie))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listScoresHandler(c *gin.Context) {
	limit, ok := intQuery(c, "limit", storage.DefaultListLimit)
	if !ok {
		return
	}
	flaggedOnly := true
	if raw := c.Query("flagged_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, &domain.ValidationError{Field: "flagged_only", Reason: "must be a boolean"})
			return
		}
		flaggedOnly = v
	}
	minRisk := 0.0
	if raw := c.Query("min_risk"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			badRequest(c, &domain.ValidationError{Field: "min_risk", Reason: "must be a number"})
			return
		}
		minRisk = v
	}

	scores, err := s.pipeline.ListScores(c.Request.Context(), storage.ScoreFilter{
		Limit:       limit,
		FlaggedOnly: flaggedOnly,
		MinRisk:     minRisk,
		UserID:      c.Query("user_id"),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]scoreQueueItem, 0, len(scores))
	for _, se := range scores {
		out = append(out, toScoreQueueItem(se))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listModelRunsHandler(c *gin.Context) {
	limit, ok := intQuery(c, "limit", defaultModelRunLimit)
	if !ok {
		return
	}
	runs, err := s.pipeline.ListModelRuns(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]modelRunItem, 0, len(runs))
	for _, run := range runs {
		out = append(out, toModelRunItem(run))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) reloadModelHandler(c *gin.Context) {
	run, err := s.pipeline.Reload(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toModelRunItem(run))
}

func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		badRequest(c, &domain.ValidationError{Field: name, Reason: "must be a positive integer"})
		return 0, false
	}
	return v, true
}

func badRequest(c *gin.Context, err error) {
	resp := errorResponse{Error: "validation", Message: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, resp)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch class := domain.ErrorClass(err); class {
	case "validation":
		return http.StatusBadRequest, class
	case "not_found":
		return http.StatusNotFound, class
	case "artifact_missing":
		return http.StatusServiceUnavailable, class
	case "artifact_mismatch":
		return http.StatusInternalServerError, class
	case "history_store":
		return http.StatusBadGateway, class
	default:
		return http.StatusInternalServerError, class
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, class := statusFor(err)
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		badRequest(c, verr)
		return
	}

	message := err.Error()
	switch class {
	case "artifact_missing":
		message = "model artifact not available"
	case "artifact_mismatch":
		message = "internal inconsistency: model artifact does not match feature columns"
	case "internal":
		message = "internal error"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Str("class", class).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: class, Message: message})
}
