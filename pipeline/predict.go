package pipeline

import (
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/features"
	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/preprocessing"
	"github.com/YuminosukeSato/agipredict/table"
	"github.com/YuminosukeSato/agipredict/training"
)

// PredictionColumn is the column added by PredictFile.
const PredictionColumn = "predicted_agi"

// Predictor pairs the persisted preprocessing pipeline with the persisted
// best model.
type Predictor struct {
	Artifact *training.ModelArtifact
	Pipeline *preprocessing.Pipeline
	fe       *features.FeatureEngineer
}

// LoadPredictor reads the pipeline and model artifacts named in cfg. A
// missing artifact yields a DataNotFoundError.
func LoadPredictor(cfg *config.Config) (*Predictor, error) {
	pipe, err := preprocessing.LoadPipeline(cfg.Paths.PipelineFile)
	if err != nil {
		return nil, err
	}
	art, err := training.LoadArtifact(cfg.Paths.ModelFile)
	if err != nil {
		return nil, err
	}
	if len(pipe.FeatureNames) != len(art.FeatureNames) {
		return nil, errors.NewDimensionError("LoadPredictor", len(art.FeatureNames), len(pipe.FeatureNames), 1)
	}
	return &Predictor{Artifact: art, Pipeline: pipe, fe: features.New(cfg)}, nil
}

// Name returns the name of the wrapped model.
func (p *Predictor) Name() string { return p.Artifact.Name }

// FeatureNames returns the model's feature order.
func (p *Predictor) FeatureNames() []string { return p.Artifact.FeatureNames }

// Metrics returns the held-out metrics of the wrapped model.
func (p *Predictor) Metrics() metrics.Report { return p.Artifact.Metrics }

// UsesSpatial reports whether the model was trained with spatial lag
// features.
func (p *Predictor) UsesSpatial() bool {
	for _, name := range p.Artifact.FeatureNames {
		if strings.HasSuffix(name, features.SpatialLagSuffix) {
			return true
		}
	}
	return false
}

// PredictRecords predicts one value per record. Derived features are
// computed from each record's raw fields; unknown fields are ignored,
// features absent from a record count as 0 and non-finite values are
// imputed with the fitted statistic. A record's prediction does not depend
// on the other records in the batch.
func (p *Predictor) PredictRecords(records []map[string]float64) ([]float64, error) {
	if len(records) == 0 {
		return nil, errors.NewModelError("PredictRecords", "no records", errors.ErrEmptyData)
	}
	X := mat.NewDense(len(records), len(p.Pipeline.FeatureNames), nil)
	for i, rec := range records {
		row, err := p.design(table.FromRecords([]map[string]float64{rec}))
		if err != nil {
			return nil, err
		}
		X.SetRow(i, row.RawRowView(0))
	}
	pred, err := p.predict(X)
	if err != nil {
		return nil, err
	}
	return pred.RawVector().Data, nil
}

// PredictTable predicts one value per row of t. Feature columns absent
// from t count as 0; missing cells are imputed with the fitted statistic.
func (p *Predictor) PredictTable(t *table.Table) (*mat.VecDense, error) {
	if t.NRows() == 0 {
		return nil, errors.NewModelError("PredictTable", "no rows", errors.ErrEmptyData)
	}
	X, err := p.design(t)
	if err != nil {
		return nil, err
	}
	return p.predict(X)
}

// design adds the derived features to t and orders its columns like the
// pipeline, leaving missing cells as NaN.
func (p *Predictor) design(t *table.Table) (*mat.Dense, error) {
	return p.Pipeline.ReindexTable(p.fe.CreateFeatures(t))
}

func (p *Predictor) predict(raw *mat.Dense) (*mat.VecDense, error) {
	X, err := p.Pipeline.Transform(raw)
	if err != nil {
		return nil, err
	}
	pred, err := p.Artifact.Predict(X)
	if err != nil {
		return nil, err
	}
	if err := errors.CheckNumericalStability("PredictTable", pred.RawVector().Data, 0); err != nil {
		return nil, err
	}
	return pred, nil
}

// PredictFile reads the table at in, appends the PredictionColumn and
// writes it to out. It returns the number of predicted rows.
func PredictFile(cfg *config.Config, in, out string) (int, error) {
	logger := log.GetLoggerWithName("pipeline")
	p, err := LoadPredictor(cfg)
	if err != nil {
		return 0, err
	}
	t, err := table.Load(in, table.LoadOptions{IdentifierColumns: cfg.Features.IdentifierColumns})
	if err != nil {
		return 0, err
	}
	pred, err := p.PredictTable(t)
	if err != nil {
		return 0, err
	}
	result := t.Clone()
	if err := result.SetNumeric(PredictionColumn, pred.RawVector().Data); err != nil {
		return 0, err
	}
	if err := table.Save(result, out); err != nil {
		return 0, err
	}
	logger.Info("Batch prediction written",
		log.ModelNameKey, p.Name(),
		log.PredsKey, t.NRows(),
		log.PathKey, out,
	)
	return t.NRows(), nil
}
