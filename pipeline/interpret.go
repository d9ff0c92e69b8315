package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/features"
	"github.com/YuminosukeSato/agipredict/interpret"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/store"
)

// ModelImportanceCSV is the model importance report under
// config.ImportanceDir.
const ModelImportanceCSV = "model_importance.csv"

// InterpretResult lists what an interpretation run computed and wrote.
type InterpretResult struct {
	Model       string
	Permutation []interpret.FeatureImportance
	SHAP        interpret.SHAPResult
	TopFeatures []string
	Reports     []string
}

// Interpret explains the persisted best model on the last 20% of the
// engineered data: permutation importance, SHAP values, the model's own
// importance when it has one, and their CSV and chart reports. The
// permutation importances are recorded against the model's training run.
func Interpret(ctx context.Context, cfg *config.Config) (*InterpretResult, error) {
	logger := log.GetLoggerWithName("pipeline")
	started := time.Now()

	p, err := LoadPredictor(cfg)
	if err != nil {
		return nil, err
	}
	logger = logger.With(log.ModelNameKey, p.Name(), log.RunIDKey, p.Artifact.RunID)

	t, err := p.fe.Load(cfg.Paths.DataFile)
	if err != nil {
		return nil, err
	}
	t, _, _, err = p.fe.EngineerTable(ctx, t, p.UsesSpatial())
	if err != nil {
		return nil, err
	}
	if err := features.ValidateSchema(t, p.FeatureNames()); err != nil {
		return nil, errors.Wrap(err, "interpretation data lacks model features")
	}
	X, err := p.Pipeline.TransformTable(t)
	if err != nil {
		return nil, err
	}
	target, _ := t.Numeric(cfg.Features.TargetColumn)
	y := mat.NewVecDense(len(target), append([]float64(nil), target...))
	Xt, yt := interpret.HoldoutTail(X, y, interpret.DefaultHoldoutFraction)

	e, err := interpret.NewExplainer(p.Name(), p.Artifact.Model, Xt, yt, p.FeatureNames(), cfg)
	if err != nil {
		return nil, err
	}

	res := &InterpretResult{Model: p.Name()}
	dir := cfg.ImportanceDir()
	topN := cfg.Interpret.TopN

	perm, err := e.ComputePermutationImportance(ctx, cfg.Interpret.NRepeats)
	if err != nil {
		return nil, errors.Wrap(err, "permutation importance")
	}
	res.Permutation = perm
	csvPath := filepath.Join(dir, interpret.PermutationCSV)
	if err := e.WritePermutationCSV(csvPath); err != nil {
		return nil, err
	}
	res.Reports = append(res.Reports, csvPath)
	res.Reports = append(res.Reports, writeChart(logger, filepath.Join(dir, interpret.PermutationChart), func(path string) error {
		return e.WriteImportanceChart(path, topN)
	})...)

	res.SHAP = e.ComputeSHAPValues(ctx, cfg.Interpret.SHAPSampleSize)
	if res.SHAP.OK() {
		res.Reports = append(res.Reports, writeChart(logger, filepath.Join(dir, interpret.SHAPChart), func(path string) error {
			return e.WriteSHAPChart(path, topN)
		})...)
	}

	if imps, ok := e.ModelImportance(); ok {
		path := filepath.Join(dir, ModelImportanceCSV)
		if err := interpret.WriteImportanceCSV(imps, path); err != nil {
			return nil, err
		}
		res.Reports = append(res.Reports, path)
		res.Reports = append(res.Reports, writeChart(logger, filepath.Join(dir, interpret.ModelChart), func(path string) error {
			return interpret.WriteBarChart(imps, topN, "Model importance ("+p.Name()+")", "importance", path)
		})...)
	}

	res.TopFeatures = e.GetTopFeatures(topN)
	recordImportances(ctx, cfg, p.Artifact.RunID, perm, logger)

	logger.Info("Interpretation complete",
		"top_features", res.TopFeatures,
		"reports", len(res.Reports),
		log.DurationMsKey, time.Since(started).Milliseconds(),
	)
	return res, nil
}

// writeChart renders one chart; a chart that fails to render is logged and
// skipped.
func writeChart(logger log.Logger, path string, write func(string) error) []string {
	if err := write(path); err != nil {
		logger.Warn("Failed to write chart", log.PathKey, path, log.ErrorKey, err)
		return nil
	}
	return []string{path}
}

func recordImportances(ctx context.Context, cfg *config.Config, runID string, perm []interpret.FeatureImportance, logger log.Logger) {
	if runID == "" {
		return
	}
	runs := openStore(cfg, logger)
	if runs == nil {
		return
	}
	defer runs.Close()

	if _, err := runs.GetRun(ctx, runID); err != nil {
		logger.Warn("Training run not in store, importances not recorded", log.ErrorKey, err)
		return
	}
	imps := make([]store.Importance, len(perm))
	for i, p := range perm {
		imps[i] = store.Importance{Feature: p.Feature, Mean: p.Mean, Std: p.Std}
	}
	if err := runs.RecordImportances(ctx, runID, imps); err != nil {
		logger.Warn("Failed to record importances", log.ErrorKey, err)
	}
}
