package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/services"
	"github.com/velora/feedrank/internal/validation"
	"github.com/velora/feedrank/pkg/models"
)

type ExperimentHandler struct {
	experiments *services.ExperimentManager
	validator   *validation.SchemaValidator
	logger      *logrus.Logger
}

func NewExperimentHandler(
	experiments *services.ExperimentManager,
	validator *validation.SchemaValidator,
	logger *logrus.Logger,
) *ExperimentHandler {
	return &ExperimentHandler{
		experiments: experiments,
		validator:   validator,
		logger:      logger,
	}
}

// Create handles POST /api/v1/experiments.
func (h *ExperimentHandler) Create(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST_BODY",
				"message": "Failed to read request body",
			},
		})
		return
	}

	if result := h.validator.ValidateExperiment(body); !result.Valid {
		c.JSON(http.StatusBadRequest, result.ToAPIError())
		return
	}

	var exp models.Experiment
	if err := bindJSON(body, &exp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_REQUEST_BODY",
				"message": err.Error(),
			},
		})
		return
	}

	created, err := h.experiments.CreateExperiment(&exp)
	if err != nil {
		var cfgErr *services.ExperimentConfigError
		if errors.As(err, &cfgErr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error": gin.H{
					"code":    "EXPERIMENT_CONFIG_INVALID",
					"message": cfgErr.Error(),
				},
			})
			return
		}
		h.logger.WithError(err).Error("Failed to create experiment")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "EXPERIMENT_CREATE_FAILED",
				"message": "Failed to create experiment",
			},
		})
		return
	}

	c.JSON(http.StatusCreated, created)
}

// List handles GET /api/v1/experiments.
func (h *ExperimentHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"experiments": h.experiments.ListExperiments()})
}

// Get handles GET /api/v1/experiments/:experimentId.
func (h *ExperimentHandler) Get(c *gin.Context) {
	exp, err := h.experiments.Experiment(c.Param("experimentId"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

// Start handles POST /api/v1/experiments/:experimentId/start.
func (h *ExperimentHandler) Start(c *gin.Context) {
	h.transition(c, h.experiments.StartExperiment)
}

// Pause handles POST /api/v1/experiments/:experimentId/pause.
func (h *ExperimentHandler) Pause(c *gin.Context) {
	h.transition(c, h.experiments.PauseExperiment)
}

// Complete handles POST /api/v1/experiments/:experimentId/complete.
func (h *ExperimentHandler) Complete(c *gin.Context) {
	h.transition(c, h.experiments.CompleteExperiment)
}

func (h *ExperimentHandler) transition(c *gin.Context, fn func(string) error) {
	experimentID := c.Param("experimentId")
	if err := fn(experimentID); err != nil {
		if errors.Is(err, services.ErrExperimentNotFound) {
			h.notFound(c, err)
			return
		}
		var cfgErr *services.ExperimentConfigError
		if errors.As(err, &cfgErr) {
			c.JSON(http.StatusConflict, gin.H{
				"error": gin.H{
					"code":    "INVALID_STATE_TRANSITION",
					"message": cfgErr.Error(),
				},
			})
			return
		}
		h.logger.WithError(err).WithField("experiment_id", experimentID).Error("Experiment transition failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "EXPERIMENT_TRANSITION_FAILED",
				"message": "Failed to update experiment",
			},
		})
		return
	}

	exp, err := h.experiments.Experiment(experimentID)
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, exp)
}

// Results handles GET /api/v1/experiments/:experimentId/results.
func (h *ExperimentHandler) Results(c *gin.Context) {
	results, err := h.experiments.Results(c.Param("experimentId"))
	if err != nil {
		if errors.Is(err, services.ErrExperimentNotFound) {
			h.notFound(c, err)
			return
		}
		h.logger.WithError(err).Error("Failed to compute experiment results")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "EXPERIMENT_RESULTS_FAILED",
				"message": "Failed to compute experiment results",
			},
		})
		return
	}
	c.JSON(http.StatusOK, results)
}

// Assignment handles GET /api/v1/experiments/:experimentId/assignment.
func (h *ExperimentHandler) Assignment(c *gin.Context) {
	viewerID, err := uuid.Parse(c.Query("viewer_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_VIEWER_ID",
				"message": "viewer_id query parameter must be a UUID",
			},
		})
		return
	}

	variantID, err := h.experiments.AssignVariant(c.Request.Context(), viewerID, c.Param("experimentId"))
	if err != nil {
		if errors.Is(err, services.ErrExperimentNotFound) {
			h.notFound(c, err)
			return
		}
		h.logger.WithError(err).Error("Failed to assign variant")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "ASSIGNMENT_FAILED",
				"message": "Failed to assign variant",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"experiment_id": c.Param("experimentId"),
		"viewer_id":     viewerID,
		"variant_id":    variantID,
	})
}

func (h *ExperimentHandler) notFound(c *gin.Context, err error) {
	c.JSON(http.StatusNotFound, gin.H{
		"error": gin.H{
			"code":    "EXPERIMENT_NOT_FOUND",
			"message": err.Error(),
		},
	})
}
