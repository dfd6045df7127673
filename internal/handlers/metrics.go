package handlers

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const metricPrefix = "bookrec_"

// MetricsHandler exposes the engine's Prometheus registry, both in the
// exposition format and as a flat JSON summary for operators.
type MetricsHandler struct {
	logger   *logrus.Logger
	gatherer prometheus.Gatherer
}

func NewMetricsHandler(logger *logrus.Logger, gatherer prometheus.Gatherer) *MetricsHandler {
	return &MetricsHandler{
		logger:   logger,
		gatherer: gatherer,
	}
}

// Prometheus serves the registry for scraping.
func (h *MetricsHandler) Prometheus() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// MetricSummary is one metric family collapsed across its label sets.
// Histograms report their observation count.
type MetricSummary struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// GetSummary handles GET /api/v1/admin/metrics
func (h *MetricsHandler) GetSummary(c *gin.Context) {
	families, err := h.gatherer.Gather()
	if err != nil {
		h.logger.WithError(err).Error("Failed to gather metrics")
		errorJSON(c, http.StatusInternalServerError, "METRICS_UNAVAILABLE", "Failed to gather metrics")
		return
	}

	summaries := make([]MetricSummary, 0, len(families))
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), metricPrefix) {
			continue
		}
		var total float64
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		summaries = append(summaries, MetricSummary{
			Name:  family.GetName(),
			Type:  strings.ToLower(family.GetType().String()),
			Value: total,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	c.JSON(http.StatusOK, gin.H{"metrics": summaries})
}
