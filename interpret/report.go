package interpret

import (
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/table"
)

// Report file names under config.ImportanceDir.
const (
	PermutationCSV   = "permutation_importance.csv"
	PermutationChart = "permutation_importance.png"
	SHAPChart        = "shap_importance.png"
	ModelChart       = "model_importance.png"
)

// WritePermutationCSV writes the ranked permutation importance with columns
// feature, importance_mean and importance_std.
func (e *Explainer) WritePermutationCSV(path string) error {
	if len(e.permutation) == 0 {
		return errors.NewValueError("WritePermutationCSV", "permutation importance not computed")
	}
	return WriteImportanceCSV(e.permutation, path)
}

// WriteImportanceCSV writes imps in order as a feature,importance_mean,
// importance_std table.
func WriteImportanceCSV(imps []FeatureImportance, path string) error {
	names := make([]string, len(imps))
	means := make([]float64, len(imps))
	stds := make([]float64, len(imps))
	for i, imp := range imps {
		names[i] = imp.Feature
		means[i] = imp.Mean
		stds[i] = imp.Std
	}
	t := table.New(len(imps))
	if err := t.SetString("feature", names, nil); err != nil {
		return err
	}
	if err := t.SetNumeric("importance_mean", means); err != nil {
		return err
	}
	if err := t.SetNumeric("importance_std", stds); err != nil {
		return err
	}
	if err := table.Save(t, path); err != nil {
		return err
	}
	log.GetLoggerWithName("interpret").Info("Importance report written", log.PathKey, path)
	return nil
}

// WriteImportanceChart draws the permutation importance of the top n
// features as a horizontal bar chart, highest at the top.
func (e *Explainer) WriteImportanceChart(path string, n int) error {
	if len(e.permutation) == 0 {
		return errors.NewValueError("WriteImportanceChart", "permutation importance not computed")
	}
	return WriteBarChart(e.permutation, n, "Permutation importance ("+e.name+")", "R² drop", path)
}

// WriteSHAPChart draws the mean |SHAP| of the top n features.
func (e *Explainer) WriteSHAPChart(path string, n int) error {
	if !e.shap.OK() {
		return errors.NewValueError("WriteSHAPChart", "SHAP values not computed")
	}
	return WriteBarChart(e.shap.MeanAbs(e.featureNames), n, "SHAP importance ("+e.name+")", "mean |SHAP|", path)
}

// WriteBarChart renders the first n entries of ranked imps as a PNG (or any
// format gonum/plot infers from the extension).
func WriteBarChart(imps []FeatureImportance, n int, title, xLabel, path string) error {
	n = min(n, len(imps))
	if n == 0 {
		return errors.NewValueError("WriteBarChart", "nothing to plot")
	}

	// bars are drawn bottom-up, so reverse to put the top feature last
	values := make(plotter.Values, n)
	names := make([]string, n)
	for i := 0; i < n; i++ {
		values[n-1-i] = imps[i].Mean
		names[n-1-i] = imps[i].Feature
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xLabel

	bars, err := plotter.NewBarChart(values, vg.Points(12))
	if err != nil {
		return errors.Wrap(err, "failed to build bar chart")
	}
	bars.Horizontal = true
	bars.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	bars.LineStyle.Width = 0
	p.Add(bars, plotter.NewGrid())
	p.NominalY(names...)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}
	height := vg.Length(n)*0.3*vg.Inch + 1.5*vg.Inch
	if err := p.Save(8*vg.Inch, height, path); err != nil {
		return errors.Wrapf(err, "failed to save chart %s", path)
	}
	return nil
}
