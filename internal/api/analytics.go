package api

import (
	"net/http"
	"strings"

	"call-insights-go/internal/aggregator"
	"call-insights-go/internal/store"

	"github.com/gin-gonic/gin"
)

func (s *Server) overview(c *gin.Context) {
	ctx := c.Request.Context()
	completed, err := s.store.CountCompleted(ctx)
	if err != nil {
		internalError(c, "Failed to load analytics", err)
		return
	}
	rows, err := s.store.Results(ctx, store.ResultFilter{})
	if err != nil {
		internalError(c, "Failed to load analytics", err)
		return
	}
	c.JSON(http.StatusOK, aggregator.Summarize(completed, rows))
}

func (s *Server) competitor(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	rows, err := s.store.Results(c.Request.Context(), store.ResultFilter{Competitor: name})
	if err != nil {
		internalError(c, "Failed to load analytics", err)
		return
	}
	b, ok := aggregator.Competitor(name, rows)
	if !ok {
		abort(c, http.StatusNotFound, "No data found for competitor: "+name)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) competitors(c *gin.Context) {
	rows, err := s.store.Results(c.Request.Context(), store.ResultFilter{})
	if err != nil {
		internalError(c, "Failed to load analytics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"competitors": aggregator.Competitors(rows)})
}

func (s *Server) trends(c *gin.Context) {
	f := store.ResultFilter{Competitor: strings.TrimSpace(c.Query("competitor_name"))}
	rows, err := s.store.Results(c.Request.Context(), f)
	if err != nil {
		internalError(c, "Failed to load analytics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trends": aggregator.Trends(rows)})
}
