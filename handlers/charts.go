package handlers

import (
	"net/http"
	"strconv"

	"medx-coding-support/models"
	"medx-coding-support/services"

	"github.com/gin-gonic/gin"
)

// ChartHandler serves the read model and the review-side writes.
type ChartHandler struct {
	charts *services.ChartStore
	docs   *services.DocumentRepository
	hub    *Hub
}

func NewChartHandler(charts *services.ChartStore, docs *services.DocumentRepository, hub *Hub) *ChartHandler {
	return &ChartHandler{charts: charts, docs: docs, hub: hub}
}

// ListCharts returns charts newest first, filterable by ai_status.
func (h *ChartHandler) ListCharts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	charts, err := h.charts.List(c.Query("ai_status"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list charts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"charts": charts, "count": len(charts)})
}

// GetChart returns one chart with its documents.
func (h *ChartHandler) GetChart(c *gin.Context) {
	chart, err := h.charts.GetByChartNumber(c.Param("chartNumber"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "chart not found"})
		return
	}

	docs, err := h.docs.ListByChart(chart.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load documents"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chart": chart, "documents": docs})
}

// SaveModifications stores the reviewer's overlay on top of the AI result.
func (h *ChartHandler) SaveModifications(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	chartNumber := c.Param("chartNumber")
	if err := h.charts.SaveUserModifications(chartNumber, body); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chart_number": chartNumber, "saved": true})
}

// SubmitChart records the final codes and freezes the chart.
func (h *ChartHandler) SubmitChart(c *gin.Context) {
	var body struct {
		FinalCodes map[string]interface{} `json:"final_codes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	chartNumber := c.Param("chartNumber")
	if err := h.charts.SubmitFinalCodes(chartNumber, body.FinalCodes); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	// Same-process fast path; SubmitFinalCodes emitted the durable event in-tx
	if chart, err := h.charts.GetByChartNumber(chartNumber); err == nil {
		h.hub.BroadcastChartStatus(chart.SessionID, models.AIStatusSubmitted)
	}

	c.JSON(http.StatusOK, gin.H{"chart_number": chartNumber, "review_status": models.ReviewStatusSubmitted})
}

// UpdateReviewStatus moves the review workflow between non-terminal states.
func (h *ChartHandler) UpdateReviewStatus(c *gin.Context) {
	var body struct {
		ReviewStatus string `json:"review_status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	chartNumber := c.Param("chartNumber")
	if err := h.charts.UpdateReviewStatus(chartNumber, body.ReviewStatus); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chart_number": chartNumber, "review_status": body.ReviewStatus})
}

// DeleteChart removes a chart and, via the cascade, its documents.
func (h *ChartHandler) DeleteChart(c *gin.Context) {
	chartNumber := c.Param("chartNumber")
	if err := h.charts.Delete(chartNumber); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chart_number": chartNumber, "deleted": true})
}
