package preprocessing

import (
	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/agipredict/core/model"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/table"
)

// Pipeline は数値特徴量に対する [中央値補完] → [標準化] の前処理
// 学習時に列の集合と順序（FeatureNames）が固定され、以降の入力は
// この列順に並べ替えられる。存在しない列は0、余分な列は捨てる。
//
// 使用例:
//
//	p := preprocessing.NewPipeline([]string{"wages_ratio", "poverty_rate"})
//	if err := p.FitTable(train); err != nil { ... }
//	X, err := p.TransformTable(test)
type Pipeline struct {
	State        model.StateManager
	FeatureNames []string
	Imputer      *MedianImputer
	Scaler       *StandardScaler
}

// NewPipeline は指定した列順の未学習パイプラインを作成する
func NewPipeline(featureNames []string) *Pipeline {
	return &Pipeline{
		FeatureNames: append([]string(nil), featureNames...),
		Imputer:      NewMedianImputer(),
		Scaler:       NewStandardScaler(),
	}
}

// Fit は列順が FeatureNames と一致する行列で補完器とスケーラーを学習する
func (p *Pipeline) Fit(X mat.Matrix) error {
	r, c := X.Dims()
	if c != len(p.FeatureNames) {
		return errors.NewDimensionError("Pipeline.Fit", len(p.FeatureNames), c, 1)
	}
	imputed, err := p.Imputer.FitTransform(X)
	if err != nil {
		return err
	}
	if err := p.Scaler.Fit(imputed); err != nil {
		return err
	}
	p.State.SetFitted(c, r)
	return nil
}

// Transform は補完と標準化を適用した新しい行列を返す
// 入力は変更されない
func (p *Pipeline) Transform(X mat.Matrix) (*mat.Dense, error) {
	_, c := X.Dims()
	if err := p.State.RequireFeatures("Pipeline", "Transform", c); err != nil {
		return nil, err
	}
	imputed, err := p.Imputer.Transform(X)
	if err != nil {
		return nil, err
	}
	out, err := p.Scaler.Transform(imputed)
	if err != nil {
		return nil, err
	}
	r, _ := out.Dims()
	if err := errors.CheckMatrix("Pipeline.Transform", out, r, c, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// FitTransform は学習と変換を続けて行う
func (p *Pipeline) FitTransform(X mat.Matrix) (*mat.Dense, error) {
	if err := p.Fit(X); err != nil {
		return nil, err
	}
	return p.Transform(X)
}

// FitTable はテーブルの FeatureNames 列で学習する
// 学習時には全ての列が数値列として存在している必要がある
func (p *Pipeline) FitTable(t *table.Table) error {
	var missing []string
	for _, name := range p.FeatureNames {
		if _, ok := t.Numeric(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingRequiredColumnError(missing...)
	}
	X, err := p.ReindexTable(t)
	if err != nil {
		return err
	}
	return p.Fit(X)
}

// TransformTable はテーブルを学習時の列順に並べ替えてから変換する
func (p *Pipeline) TransformTable(t *table.Table) (*mat.Dense, error) {
	X, err := p.ReindexTable(t)
	if err != nil {
		return nil, err
	}
	return p.Transform(X)
}

// ReindexTable はテーブルの数値列を FeatureNames の順に並べた行列を返す
// 存在しない列は0で埋め、余分な列は捨てる。欠損(NaN)はそのまま残す
func (p *Pipeline) ReindexTable(t *table.Table) (*mat.Dense, error) {
	n := t.NRows()
	if n == 0 || len(p.FeatureNames) == 0 {
		return nil, errors.NewModelError("Pipeline.ReindexTable", "empty data", errors.ErrEmptyData)
	}
	X := mat.NewDense(n, len(p.FeatureNames), nil)
	for j, name := range p.FeatureNames {
		col, ok := t.Numeric(name)
		if !ok {
			continue
		}
		for i, v := range col {
			X.Set(i, j, v)
		}
	}
	return X, nil
}

// IsFitted は学習済みかどうかを返す
func (p *Pipeline) IsFitted() bool {
	return p.State.IsFitted()
}

// Save はパイプラインをgobで保存する
func (p *Pipeline) Save(path string) error {
	if err := p.State.RequireFitted("Pipeline", "Save"); err != nil {
		return err
	}
	return model.SaveModel(p, path)
}

// LoadPipeline は保存済みのパイプラインを読み込む
func LoadPipeline(path string) (*Pipeline, error) {
	var p Pipeline
	if err := model.LoadModel(&p, path); err != nil {
		return nil, err
	}
	return &p, nil
}
