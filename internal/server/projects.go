package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
)

type createProjectRequest struct {
	CustomerID  string         `json:"customer_id"`
	Name        string         `json:"name"`
	Provider    string         `json:"provider"`
	Environment string         `json:"environment"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	project, err := s.projectSvc.Create(c.Request.Context(), projectdomain.CreateProjectRequest{
		CustomerID:  req.CustomerID,
		Name:        req.Name,
		Provider:    req.Provider,
		Environment: req.Environment,
		Metadata:    req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, project)
}

func (s *Server) GetProject(c *gin.Context) {
	project, err := s.projectSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

func (s *Server) ListProjects(c *gin.Context) {
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	projects, err := s.projectSvc.List(c.Request.Context(), projectdomain.ListProjectsRequest{
		Status: projectdomain.Status(strings.TrimSpace(c.Query("status"))),
		Limit:  limit,
	})
	if err != nil {
		if errors.Is(err, projectdomain.ErrInvalidProject) {
			AbortWithError(c, newValidationError("status", "invalid_status", "unknown project status"))
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

type transitionRequest struct {
	Command         string `json:"command"`
	ExpectedVersion *int64 `json:"expected_version"`
}

func (s *Server) RequestTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		AbortWithError(c, newValidationError("command", "invalid_command", "command is required"))
		return
	}

	resp, err := s.projectSvc.RequestTransition(c.Request.Context(), projectdomain.TransitionRequest{
		ProjectID:       c.Param("id"),
		Command:         projectdomain.Command(strings.TrimSpace(req.Command)),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListProjectDeployments(c *gin.Context) {
	// Resolve the project first so an unknown id is a 404, not an empty list.
	project, err := s.projectSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	deployments, err := s.deploymentSvc.ListByProject(c.Request.Context(), project.ID.String())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deployments": deployments})
}
