package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lendlens/lendlens/internal/analysis"
	"github.com/lendlens/lendlens/internal/event"
	"github.com/lendlens/lendlens/internal/pagination"
	"github.com/lendlens/lendlens/internal/traces"
)

// ingestHandler consumes one ledger event. A malformed event is a 400; a
// valid event is accepted even if a full queue drops it downstream — the
// ledger must never see backpressure from this subsystem.
func (s *Server) ingestHandler(c *gin.Context) {
	var ev event.TransactionEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "ingest", traces.UserID(ev.UserID))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	accepted, err := s.ingestor.Accept(ev)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event", "message": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sequence": accepted.Sequence})
}

func (s *Server) getAnalysisHandler(c *gin.Context) {
	userID := c.Param("userId")

	a, err := s.store.GetAnalysis(c.Request.Context(), userID)
	if errors.Is(err, analysis.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no analysis for user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) listHighRiskHandler(c *gin.Context) {
	minScore := 0.0
	if raw := c.Query("minScore"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_min_score", "message": "minScore must be in [0,1]"})
			return
		}
		minScore = v
	}

	list, err := s.store.ListHighRisk(c.Request.Context(), minScore)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"analyses": list, "count": len(list)})
}

const maxRingPage = 100

// listRingsHandler returns confirmed rings, cursor-paginated in
// (last_confirmed DESC, id) order.
func (s *Server) listRingsHandler(c *gin.Context) {
	limit := maxRingPage
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > maxRingPage {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": fmt.Sprintf("limit must be in [1,%d]", maxRingPage)})
			return
		}
		limit = v
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	rings, err := s.store.ListRings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
		return
	}

	if cursor != nil {
		rings = ringsAfter(rings, cursor)
	}
	if len(rings) > limit+1 {
		rings = rings[:limit+1]
	}
	page, next, hasMore := pagination.ComputePage(rings, limit, func(r *analysis.CollusionRing) (time.Time, string) {
		return r.LastConfirmed, r.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"rings":      page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ringsAfter skips rings at or before the cursor position in the listing
// order.
func ringsAfter(rings []*analysis.CollusionRing, cur *pagination.Cursor) []*analysis.CollusionRing {
	for i, r := range rings {
		if r.LastConfirmed.Before(cur.CreatedAt) ||
			(r.LastConfirmed.Equal(cur.CreatedAt) && r.ID > cur.ID) {
			return rings[i:]
		}
	}
	return nil
}

// exportHandler returns the user's full record as a downloadable JSON
// document.
func (s *Server) exportHandler(c *gin.Context) {
	userID := c.Param("userId")

	a, err := s.store.GetAnalysis(c.Request.Context(), userID)
	if errors.Is(err, analysis.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no analysis for user"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "analysis-"+userID+".json"))
	c.IndentedJSON(http.StatusOK, a)
}

func (s *Server) statsHandler(c *gin.Context) {
	analyses, rings, err := s.store.Counts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"engine":         s.engine.Snapshot(),
		"ingested":       s.ingestor.Sequence(),
		"dropped":        s.ingestor.Dropped(),
		"storedAnalyses": analyses,
		"storedRings":    rings,
		"realtime":       s.hub.Stats(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": statuses})
}
