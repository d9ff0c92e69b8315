package server

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// MaxRecords bounds the records of one prediction request.
const MaxRecords = 10000

// MissingModelHint is returned with every 503 caused by absent artifacts.
const MissingModelHint = "re-run the training pipeline"

// PredictRequest is the body of POST /v1/predict.
type PredictRequest struct {
	Records []map[string]float64 `json:"records" validate:"required,min=1,max=10000"`
}

// PredictResponse is the answer to POST /v1/predict.
type PredictResponse struct {
	Model       string    `json:"model"`
	Predictions []float64 `json:"predictions"`
}

// ModelInfo is the answer to GET /v1/model.
type ModelInfo struct {
	Name         string         `json:"name"`
	FeatureNames []string       `json:"feature_names"`
	Metrics      metrics.Report `json:"metrics"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Status int    `json:"-"`
	Error  string `json:"error"`
	Hint   string `json:"hint,omitempty"`
}

// Render implements render.Renderer.
func (e *ErrorResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Status)
	return nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg, hint string) {
	_ = render.Render(w, r, &ErrorResponse{Status: status, Error: msg, Hint: hint})
}

func (s *Server) noModel(w http.ResponseWriter, r *http.Request) bool {
	if s.model != nil {
		return false
	}
	msg := "model artifacts not found"
	if s.loadErr != nil {
		msg = s.loadErr.Error()
	}
	s.fail(w, r, http.StatusServiceUnavailable, msg, MissingModelHint)
	return true
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":       "ok",
		"model_loaded": s.model != nil,
	}
	if s.model != nil {
		body["model"] = s.model.Name()
	}
	render.JSON(w, r, body)
}

func (s *Server) modelInfo(w http.ResponseWriter, r *http.Request) {
	if s.noModel(w, r) {
		return
	}
	render.JSON(w, r, ModelInfo{
		Name:         s.model.Name(),
		FeatureNames: s.model.FeatureNames(),
		Metrics:      s.model.Metrics(),
	})
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	if s.noModel(w, r) {
		return
	}
	started := time.Now()

	var req PredictRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.metrics.requests.WithLabelValues("invalid").Inc()
		s.fail(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.metrics.requests.WithLabelValues("invalid").Inc()
		s.fail(w, r, http.StatusBadRequest, "records must hold between 1 and 10000 entries", "")
		return
	}

	preds, err := s.model.PredictRecords(req.Records)
	if err != nil {
		s.metrics.requests.WithLabelValues("error").Inc()
		s.logger.Error("Prediction failed", log.ErrorKey, err, log.ModelNameKey, s.model.Name())
		var nf *errors.DataNotFoundError
		if errors.As(err, &nf) {
			s.fail(w, r, http.StatusServiceUnavailable, err.Error(), MissingModelHint)
			return
		}
		s.fail(w, r, http.StatusUnprocessableEntity, err.Error(), "")
		return
	}

	s.metrics.requests.WithLabelValues("ok").Inc()
	s.metrics.predictions.WithLabelValues(s.model.Name()).Add(float64(len(preds)))
	s.metrics.duration.Observe(time.Since(started).Seconds())
	render.JSON(w, r, PredictResponse{Model: s.model.Name(), Predictions: preds})
}
