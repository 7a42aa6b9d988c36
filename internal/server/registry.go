package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LookupRegistry proxies a company-registry lookup. An unknown or invalid id
// is an in-band failure in the result, not an HTTP error.
func (s *Server) LookupRegistry(c *gin.Context) {
	result, err := s.registrySvc.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
