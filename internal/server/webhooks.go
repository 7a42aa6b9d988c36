package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/siteforge/siteforge/internal/webhook/domain"
)

// IngestWebhook acknowledges every delivery for a known source with 200 and
// the processing result; the sender must never retry a terminal outcome.
func (s *Server) IngestWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.webhookSvc.Ingest(c.Request.Context(), webhookdomain.IngestRequest{
		Source:    c.Param("source"),
		Signature: c.GetHeader("X-Signature"),
		Headers:   c.Request.Header,
		Payload:   payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
