package training

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/metrics"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
)

// ModelArtifact is the persisted best model together with the feature
// order it expects.
type ModelArtifact struct {
	Name         string
	RunID        string
	FeatureNames []string
	Metrics      metrics.Report
	Model        model.CandidateModel
}

// Predict runs the wrapped model on rows already in FeatureNames order.
func (a *ModelArtifact) Predict(X mat.Matrix) (*mat.VecDense, error) {
	if a.Model == nil {
		return nil, errors.NewModelNotTrainedError(a.Name)
	}
	if _, c := X.Dims(); c != len(a.FeatureNames) {
		return nil, errors.NewDimensionError("ModelArtifact.Predict", len(a.FeatureNames), c, 1)
	}
	return model.PredictVec(a.Model, X)
}

// LoadArtifact reads a model artifact written by SaveBestModel.
func LoadArtifact(path string) (*ModelArtifact, error) {
	var a ModelArtifact
	if err := model.LoadModel(&a, path); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoadResults reads the evaluation report written by SaveBestModel.
func LoadResults(path string) (map[string]metrics.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewDataNotFoundError("evaluation report", path)
		}
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	out := map[string]metrics.Report{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return out, nil
}

func (t *ModelTrainer) artifact(name string) *ModelArtifact {
	return &ModelArtifact{
		Name:         name,
		RunID:        t.RunID,
		FeatureNames: t.featureNames,
		Metrics:      t.results[name],
		Model:        t.models[name],
	}
}

// SaveBestModel writes the selected model to Paths.ModelFile and the
// metrics of every evaluated candidate to the results report, selecting
// first when needed. It returns the artifact path.
func (t *ModelTrainer) SaveBestModel() (string, error) {
	if err := t.require("SaveBestModel", Evaluated); err != nil {
		return "", err
	}
	if t.bestName == "" {
		if _, _, err := t.SelectBestModel(); err != nil {
			return "", err
		}
	}

	path := t.cfg.Paths.ModelFile
	if err := model.SaveModel(t.artifact(t.bestName), path); err != nil {
		return "", errors.Wrapf(err, "save %s", t.bestName)
	}
	resultsPath := t.cfg.ResultsFile()
	if err := t.writeResults(resultsPath); err != nil {
		return "", err
	}
	t.state = Saved

	t.logger.Info("Best model saved",
		log.ModelNameKey, t.bestName,
		log.PathKey, path,
		"results", resultsPath,
	)
	return path, nil
}

// SaveAllModels writes one artifact per trained candidate into dir as
// <name>.gob.
func (t *ModelTrainer) SaveAllModels(dir string) ([]string, error) {
	if err := t.require("SaveAllModels", Trained); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(t.order))
	for _, name := range t.order {
		path := filepath.Join(dir, name+".gob")
		if err := model.SaveModel(t.artifact(name), path); err != nil {
			return nil, errors.Wrapf(err, "save %s", name)
		}
		paths = append(paths, path)
	}
	t.logger.Info("All models saved", log.PathKey, dir, "n_models", len(paths))
	return paths, nil
}

func (t *ModelTrainer) writeResults(path string) error {
	out := make(map[string]metrics.Report, len(t.results))
	for name, r := range t.results {
		out[name] = r
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode results")
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "failed to write file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close file")
	}
	return os.Rename(tmp.Name(), path)
}
