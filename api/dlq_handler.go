package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/fiscal/deadletter"
	"github.com/xraph/fiscal/failure"
	"github.com/xraph/fiscal/id"
)

// ListDeadLettersRequest holds the query parameters of GET /v1/dlq.
type ListDeadLettersRequest struct {
	Limit    int    `form:"limit"`
	Offset   int    `form:"offset"`
	TenantID string `form:"tenant"`
	Class    string `form:"class"`
}

// DeadLetterStatsResponse is the body of GET /v1/dlq/stats.
type DeadLetterStatsResponse struct {
	*deadletter.Stats
	// Window holds the analyzer's per-tenant counts for the current period.
	Window map[string]int64 `json:"window"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func defaultLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

func (a *API) listDeadLetters(c *gin.Context) {
	var req ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	class := failure.Class(req.Class)
	switch class {
	case "", failure.ClassTransient, failure.ClassConfiguration, failure.ClassPermanent:
	default:
		badRequest(c, fmt.Sprintf("unknown failure class %q", req.Class))
		return
	}

	entries, err := a.eng.DeadLetters(c.Request.Context(), deadletter.ListOpts{
		Limit:    defaultLimit(req.Limit),
		Offset:   req.Offset,
		TenantID: req.TenantID,
		Class:    class,
	})
	if err != nil {
		abort(c, fmt.Errorf("list dead letters: %w", err))
		return
	}
	if entries == nil {
		entries = []*deadletter.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (a *API) getDeadLetter(c *gin.Context) {
	entryID, ok := parseEntryID(c)
	if !ok {
		return
	}
	entry, err := a.eng.DeadLetter(c.Request.Context(), entryID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (a *API) replayDeadLetter(c *gin.Context) {
	entryID, ok := parseEntryID(c)
	if !ok {
		return
	}
	item, err := a.eng.ReplayDeadLetter(c.Request.Context(), entryID)
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (a *API) deleteDeadLetter(c *gin.Context) {
	entryID, ok := parseEntryID(c)
	if !ok {
		return
	}
	if err := a.eng.DeleteDeadLetter(c.Request.Context(), entryID); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) deadLetterStats(c *gin.Context) {
	st, err := a.eng.Stats(c.Request.Context())
	if err != nil {
		abort(c, fmt.Errorf("dead letter stats: %w", err))
		return
	}
	c.JSON(http.StatusOK, DeadLetterStatsResponse{Stats: st.DeadLetters, Window: st.TenantDeadLetters})
}

func parseEntryID(c *gin.Context) (id.DLQID, bool) {
	entryID, err := id.ParseDLQID(c.Param("entryId"))
	if err != nil {
		badRequest(c, fmt.Sprintf("invalid dead letter entry ID: %v", err))
		return id.Nil, false
	}
	return entryID, true
}
