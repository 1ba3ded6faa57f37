package handlers

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/velora/feedrank/internal/services"
	"github.com/velora/feedrank/internal/validation"
)

type Handlers struct {
	Health     *HealthHandler
	Feed       *FeedHandler
	Experiment *ExperimentHandler
	Metrics    *MetricsHandler
}

func New(logger *logrus.Logger, svc *services.Services) (*Handlers, error) {
	schemaValidator, err := validation.NewSchemaValidator()
	if err != nil {
		return nil, err
	}

	return &Handlers{
		Health: NewHealthHandler(logger, svc.Health),
		Feed: NewFeedHandler(
			svc.Ranking, svc.Optimizer, svc.Metrics, svc.TrendSource, schemaValidator, logger,
		),
		Experiment: NewExperimentHandler(svc.Experiments, schemaValidator, logger),
		Metrics:    NewMetricsHandler(svc.Metrics, logger),
	}, nil
}

func bindJSON(body []byte, out interface{}) error {
	return json.Unmarshal(body, out)
}
