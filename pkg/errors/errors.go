// Package errors はagipredict全体のエラーハンドリングと警告システムを提供します。
// cockroachdb/errors をベースに、パイプラインの各段階で発生するエラーを型として表現します。
package errors

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		log.Printf("agipredict-warning: %v\n", w)
	}
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler は警告ハンドラを設定します。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します（循環importを避けるため）。
// nilを渡すと従来のハンドラに戻ります。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// Warn は警告を発生させます。
// zerologが設定されている場合は構造化ログとして出力し、そうでなければ従来のハンドラを使用します。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}

	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// ConvergenceWarning は最適化や探索が期待通りに収束しなかった場合の警告です。
type ConvergenceWarning struct {
	Algorithm  string
	Iterations int
	Message    string
}

func (w *ConvergenceWarning) Error() string {
	if w.Message != "" {
		return fmt.Sprintf("%s failed to converge after %d iterations: %s", w.Algorithm, w.Iterations, w.Message)
	}
	return fmt.Sprintf("%s failed to converge after %d iterations", w.Algorithm, w.Iterations)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *ConvergenceWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("algorithm", w.Algorithm).
		Int("iterations", w.Iterations).
		Str("message", w.Message).
		Str("type", "ConvergenceWarning")
}

// NewConvergenceWarning は新しいConvergenceWarningを作成します。
func NewConvergenceWarning(algorithm string, iterations int, message string) *ConvergenceWarning {
	return &ConvergenceWarning{Algorithm: algorithm, Iterations: iterations, Message: message}
}

// DataQualityWarning は入力テーブルの品質に問題がある場合の警告です。
// 欠損率が警告閾値を超えた列などに使われ、処理は継続されます。
type DataQualityWarning struct {
	Column    string
	Check     string
	Value     float64
	Threshold float64
}

func (w *DataQualityWarning) Error() string {
	return fmt.Sprintf("data quality: column %q failed %s check: %.4f > %.4f", w.Column, w.Check, w.Value, w.Threshold)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *DataQualityWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("column", w.Column).
		Str("check", w.Check).
		Float64("value", w.Value).
		Float64("threshold", w.Threshold).
		Str("type", "DataQualityWarning")
}

// NewDataQualityWarning は新しいDataQualityWarningを作成します。
func NewDataQualityWarning(column, check string, value, threshold float64) *DataQualityWarning {
	return &DataQualityWarning{Column: column, Check: check, Value: value, Threshold: threshold}
}

// UndefinedMetricWarning は評価指標が計算できない場合に発生する警告です。
// 例えば、目的変数の分散が0でR²が定義できない場合など。
type UndefinedMetricWarning struct {
	Metric    string
	Condition string
	Result    float64 // この条件で返される値
}

func (w *UndefinedMetricWarning) Error() string {
	return fmt.Sprintf("'%s' is ill-defined and being set to %f due to %s.", w.Metric, w.Result, w.Condition)
}

// NewUndefinedMetricWarning は新しいUndefinedMetricWarningを作成します。
func NewUndefinedMetricWarning(metric, condition string, result float64) *UndefinedMetricWarning {
	return &UndefinedMetricWarning{Metric: metric, Condition: condition, Result: result}
}

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// NotFittedError はモデルが未学習の状態で `Predict` や `Transform` を呼び出した場合のエラーです。
type NotFittedError struct {
	ModelName string
	Method    string
}

func (e *NotFittedError) Error() string {
	return fmt.Sprintf("agipredict: %s: this model is not fitted yet. Call Fit() before using %s()", e.ModelName, e.Method)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NotFittedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.ModelName).
		Str("method", e.Method).
		Str("type", "NotFittedError")
}

// NewNotFittedError は新しいNotFittedErrorを作成し、スタックトレースを付与します。
func NewNotFittedError(modelName, method string) error {
	err := &NotFittedError{ModelName: modelName, Method: method}
	return errors.WithStack(err)
}

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0 for rows, 1 for columns/features
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("agipredict: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, e.axisName(), e.Expected, e.Got)
}

func (e *DimensionError) axisName() string {
	if e.Axis == 0 {
		return "rows"
	}
	return "features"
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", e.axisName()).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	err := &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
	return errors.WithStack(err)
}

// ValidationError は入力パラメータの検証に失敗した場合のエラーです。
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("agipredict: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError は新しいValidationErrorを作成し、スタックトレースを付与します。
func NewValidationError(param, reason string, value interface{}) error {
	err := &ValidationError{ParamName: param, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// ValueError は引数の値が不適切または不正な場合に発生するエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("agipredict: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	err := &ValueError{Op: op, Message: message}
	return errors.WithStack(err)
}

// ModelError は機械学習モデルに関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agipredict: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("agipredict: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	modelErr := &ModelError{Op: op, Kind: kind, Err: err}
	return errors.WithStack(modelErr)
}

// ===========================================================================
//
//	パイプライン固有のエラー型
//
// ===========================================================================

// DataNotFoundError は入力テーブルや学習済みアーティファクトがディスク上に存在しない場合のエラーです。
// 上流のステップを再実行してデータを生成し直す必要があります。
type DataNotFoundError struct {
	Resource string // "table", "pipeline", "model" など
	Path     string
}

func (e *DataNotFoundError) Error() string {
	return fmt.Sprintf("agipredict: %s not found at %s; re-run the upstream pipeline step", e.Resource, e.Path)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DataNotFoundError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("resource", e.Resource).
		Str("path", e.Path).
		Str("type", "DataNotFoundError")
}

// NewDataNotFoundError は新しいDataNotFoundErrorを作成し、スタックトレースを付与します。
func NewDataNotFoundError(resource, path string) error {
	return errors.WithStack(&DataNotFoundError{Resource: resource, Path: path})
}

// ColumnKind はスキーマ違反の種類を表します。
type ColumnKind string

const (
	// TargetColumn は目的変数列の欠落
	TargetColumn ColumnKind = "target"
	// RequiredColumn は必須入力列の欠落
	RequiredColumn ColumnKind = "required"
)

// MissingColumnError は入力テーブルに必要な列が存在しない場合のエラーです。
// 欠落している列をすべて列挙します。
type MissingColumnError struct {
	Kind    ColumnKind
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("agipredict: missing %s column(s): %s", e.Kind, strings.Join(e.Columns, ", "))
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *MissingColumnError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("kind", string(e.Kind)).
		Strs("columns", e.Columns).
		Str("type", "MissingColumnError")
}

// NewMissingTargetError は目的変数列が存在しない場合のエラーを作成します。
func NewMissingTargetError(target string) error {
	return errors.WithStack(&MissingColumnError{Kind: TargetColumn, Columns: []string{target}})
}

// NewMissingRequiredColumnError は必須列が存在しない場合のエラーを作成します。
func NewMissingRequiredColumnError(columns ...string) error {
	return errors.WithStack(&MissingColumnError{Kind: RequiredColumn, Columns: columns})
}

// IsMissingTarget はエラーが目的変数列の欠落かどうかを判定します。
func IsMissingTarget(err error) bool {
	var mce *MissingColumnError
	return errors.As(err, &mce) && mce.Kind == TargetColumn
}

// ModelNotTrainedError は学習されていない候補モデル名で評価・参照しようとした場合のエラーです。
type ModelNotTrainedError struct {
	Name string
}

func (e *ModelNotTrainedError) Error() string {
	return fmt.Sprintf("agipredict: model %q has not been trained in this run", e.Name)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ModelNotTrainedError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("model_name", e.Name).Str("type", "ModelNotTrainedError")
}

// NewModelNotTrainedError は新しいModelNotTrainedErrorを作成します。
func NewModelNotTrainedError(name string) error {
	return errors.WithStack(&ModelNotTrainedError{Name: name})
}

// NoEvaluatedModelsError は評価済みモデルが一つもない状態で最良モデルを選択しようとした場合のエラーです。
type NoEvaluatedModelsError struct{}

func (e *NoEvaluatedModelsError) Error() string {
	return "agipredict: no evaluated models; call EvaluateModel before SelectBestModel"
}

// NewNoEvaluatedModelsError は新しいNoEvaluatedModelsErrorを作成します。
func NewNoEvaluatedModelsError() error {
	return errors.WithStack(&NoEvaluatedModelsError{})
}

// StateError は学習の状態遷移に違反した呼び出しのエラーです。
type StateError struct {
	Op       string
	Current  string
	Required string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("agipredict: %s: invalid state %s (requires %s)", e.Op, e.Current, e.Required)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *StateError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Op).
		Str("current", e.Current).
		Str("required", e.Required).
		Str("type", "StateError")
}

// NewStateError は新しいStateErrorを作成します。
func NewStateError(op, current, required string) error {
	return errors.WithStack(&StateError{Op: op, Current: current, Required: required})
}

// AttributionComputationError はSHAPなどの特徴量寄与計算に失敗した場合のエラーです。
// 呼び出し側で警告として記録され、Permutation Importanceにフォールバックします。
type AttributionComputationError struct {
	Method string
	Err    error
}

func (e *AttributionComputationError) Error() string {
	return fmt.Sprintf("agipredict: %s attribution failed: %v", e.Method, e.Err)
}

func (e *AttributionComputationError) Unwrap() error {
	return e.Err
}

// NewAttributionComputationError は新しいAttributionComputationErrorを作成します。
func NewAttributionComputationError(method string, err error) error {
	return errors.WithStack(&AttributionComputationError{Method: method, Err: err})
}

// SpatialFeatureError は空間ラグ特徴量の計算に失敗した場合のエラーです。
// パイプラインは空間特徴量なしで継続します。
type SpatialFeatureError struct {
	Reason string
	Err    error
}

func (e *SpatialFeatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agipredict: spatial features skipped: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("agipredict: spatial features skipped: %s", e.Reason)
}

func (e *SpatialFeatureError) Unwrap() error {
	return e.Err
}

// NewSpatialFeatureError は新しいSpatialFeatureErrorを作成します。
func NewSpatialFeatureError(reason string, err error) error {
	return errors.WithStack(&SpatialFeatureError{Reason: reason, Err: err})
}

// NumericalInstabilityError は数値計算が不安定になった場合のエラーです。
// NaN、Infなどを検出します。
type NumericalInstabilityError struct {
	Operation string    // 発生した操作（例: "standardize", "gradient"）
	Values    []float64 // 問題のある値
	Iteration int       // 発生したイテレーション番号
}

func (e *NumericalInstabilityError) Error() string {
	parts := make([]string, 0, 6)
	for i, v := range e.Values {
		if i >= 5 {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%.6g", v))
	}
	return fmt.Sprintf("agipredict: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, strings.Join(parts, ", "))
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	return errors.WithStack(&NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
	})
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrNotImplemented は機能が未実装の場合のエラーです。
	ErrNotImplemented = New("not implemented")

	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")

	// ErrSingularMatrix は特異行列の場合のエラーです。
	ErrSingularMatrix = New("singular matrix")
)
