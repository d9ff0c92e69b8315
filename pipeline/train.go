// Package pipeline wires the feature engineer, the trainer, the explainer
// and the run store into the end-to-end train, interpret and predict runs
// driven by a Config.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/core/outcome"
	"github.com/YuminosukeSato/agipredict/features"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/store"
	"github.com/YuminosukeSato/agipredict/training"
)

// TrainOptions selects the optional stages of a training run.
type TrainOptions struct {
	Tune     bool
	Ensemble bool
	Spatial  bool
	// SaveAll also writes every candidate model under Paths.ModelsDir.
	SaveAll bool
}

// TrainResult summarises a finished training run.
type TrainResult struct {
	RunID     string
	BestModel string
	ModelPath string
	Results   []training.EvaluationResult
	Summary   string
	Spatial   outcome.Outcome
}

// Train prepares the features, trains and evaluates every candidate,
// persists the best one and records the run in the store when one is
// configured.
func Train(ctx context.Context, cfg *config.Config, opts TrainOptions) (*TrainResult, error) {
	logger := log.GetLoggerWithName("pipeline")
	started := time.Now()

	fe := features.New(cfg)
	prep, err := fe.PrepareFeatures(ctx, opts.Spatial)
	if err != nil {
		return nil, err
	}

	trainer, err := training.NewModelTrainer(prep.X, prep.Y, prep.FeatureNames, cfg, training.WithGroups(prep.Groups))
	if err != nil {
		return nil, err
	}
	logger = logger.With(log.RunIDKey, trainer.RunID)
	logger.Info("Training run started",
		log.SamplesKey, prep.X.RawMatrix().Rows,
		log.FeaturesKey, len(prep.FeatureNames),
		"tune", opts.Tune,
		"ensemble", opts.Ensemble,
		log.SpatialStatusKey, prep.Spatial.Status.String(),
	)

	runs := openStore(cfg, logger)
	if runs != nil {
		cfgJSON, _ := json.Marshal(cfg)
		if err := runs.CreateRun(ctx, store.Run{
			ID:         trainer.RunID,
			StartedAt:  started,
			NSamples:   prep.X.RawMatrix().Rows,
			NFeatures:  len(prep.FeatureNames),
			ConfigJSON: string(cfgJSON),
		}); err != nil {
			logger.Warn("Failed to record run", log.ErrorKey, err)
			_ = runs.Close()
			runs = nil
		} else {
			defer runs.Close()
		}
	}

	if err := trainer.SplitData(cfg.Training.TestSize); err != nil {
		return nil, err
	}
	if err := trainer.TrainAllModels(ctx, opts.Tune, opts.Ensemble); err != nil {
		return nil, err
	}
	best, _, err := trainer.SelectBestModel()
	if err != nil {
		return nil, err
	}
	path, err := trainer.SaveBestModel()
	if err != nil {
		return nil, err
	}
	if opts.SaveAll {
		if _, err := trainer.SaveAllModels(cfg.Paths.ModelsDir); err != nil {
			return nil, err
		}
	}

	results := trainer.Results()
	if runs != nil {
		recordResults(ctx, runs, trainer.RunID, best, results, logger)
	}

	logger.Info("Training run complete",
		log.ModelNameKey, best,
		log.PathKey, path,
		log.DurationMsKey, time.Since(started).Milliseconds(),
	)
	return &TrainResult{
		RunID:     trainer.RunID,
		BestModel: best,
		ModelPath: path,
		Results:   results,
		Summary:   trainer.Summary(),
		Spatial:   prep.Spatial,
	}, nil
}

// openStore opens the configured run store. A store that cannot be opened
// only costs the audit trail, so it is logged and nil is returned.
func openStore(cfg *config.Config, logger log.Logger) *store.SQLiteStore {
	if cfg.Paths.StoreDSN == "" {
		return nil
	}
	s, err := store.NewSQLiteStore(cfg.Paths.StoreDSN)
	if err != nil {
		logger.Warn("Run store unavailable", log.PathKey, cfg.Paths.StoreDSN, log.ErrorKey, err)
		return nil
	}
	return s
}

func recordResults(ctx context.Context, runs *store.SQLiteStore, runID, best string, results []training.EvaluationResult, logger log.Logger) {
	for _, r := range results {
		if err := runs.RecordEvaluation(ctx, runID, r.Name, r.Report); err != nil {
			logger.Warn("Failed to record evaluation", log.ModelNameKey, r.Name, log.ErrorKey, err)
		}
	}
	if err := runs.FinishRun(ctx, runID, best, time.Now()); err != nil {
		logger.Warn("Failed to finish run", log.ErrorKey, err)
	}
}
