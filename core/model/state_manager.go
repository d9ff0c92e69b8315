package model

import (
	"sync"

	"github.com/YuminosukeSato/agipredict/pkg/errors"
)

// StateManager は学習状態と学習時の次元をスレッドセーフに管理する
// BaseEstimator の埋め込みの代わりにコンポジションで使う。
// 公開フィールドはgobでエンコードされる。
type StateManager struct {
	Fitted    bool
	NFeatures int
	NSamples  int

	mu sync.RWMutex
}

// NewStateManager は未学習のStateManagerを作成する
func NewStateManager() *StateManager {
	return &StateManager{}
}

// IsFitted は学習済みかどうかを返す
func (s *StateManager) IsFitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Fitted
}

// SetFitted は次元を記録して学習済みにする
func (s *StateManager) SetFitted(nFeatures, nSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = true
	s.NFeatures = nFeatures
	s.NSamples = nSamples
}

// Reset は状態を初期化する
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fitted = false
	s.NFeatures = 0
	s.NSamples = 0
}

// Dimensions は学習時の特徴量数とサンプル数を返す
func (s *StateManager) Dimensions() (nFeatures, nSamples int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.NFeatures, s.NSamples
}

// RequireFitted は未学習ならNotFittedErrorを返す
func (s *StateManager) RequireFitted(modelName, method string) error {
	if !s.IsFitted() {
		return errors.NewNotFittedError(modelName, method)
	}
	return nil
}

// RequireFeatures は学習済みかつ列数が学習時と一致することを確認する
func (s *StateManager) RequireFeatures(modelName, method string, got int) error {
	if err := s.RequireFitted(modelName, method); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if got != s.NFeatures {
		return errors.NewDimensionError(method, s.NFeatures, got, 1)
	}
	return nil
}
