package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agierrors "github.com/YuminosukeSato/agipredict/pkg/errors"
)

func TestTestLoggerLevels(t *testing.T) {
	logger, buffer := NewTestLogger(LevelInfo)
	ctx := context.Background()

	assert.True(t, logger.Enabled(ctx, LevelInfo))
	assert.True(t, logger.Enabled(ctx, LevelError))
	assert.False(t, logger.Enabled(ctx, LevelDebug))

	logger.Debug("this should not appear")
	logger.Info("this should appear")

	assert.False(t, logger.ContainsMessage("this should not appear"))
	assert.True(t, logger.ContainsMessage("this should appear"))
	assert.NotEmpty(t, buffer.String())
}

func TestTestLoggerWithFields(t *testing.T) {
	logger, _ := NewTestLogger(LevelDebug)

	runLogger := logger.With(RunIDKey, "run-1", ComponentKey, "training")
	runLogger.Info("Model evaluated",
		ModelNameKey, "XGBoost",
		RMSEKey, 100.0,
		SamplesKey, 200,
	)
	runLogger.Error("save failed", fmt.Errorf("disk full"), PathKey, "models/best_model.gob")

	assert.True(t, logger.ContainsField(RunIDKey, "run-1"))
	assert.True(t, logger.ContainsField(ModelNameKey, "XGBoost"))
	assert.True(t, logger.ContainsField(SamplesKey, 200.0))
	assert.True(t, logger.ContainsField(ErrorKey, "disk full"))

	entries, err := logger.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ERROR", entries[1]["level"])
}

func TestTestLoggerConcurrent(t *testing.T) {
	logger, _ := NewTestLogger(LevelInfo)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.With(FeatureNameKey, fmt.Sprintf("f%d", i)).Info("permuted")
		}(i)
	}
	wg.Wait()

	entries, err := logger.GetLogEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 16)
}

func TestZerologProvider(t *testing.T) {
	var buf bytes.Buffer
	p := NewZerologProvider(&buf, LevelInfo)

	logger := p.GetLoggerWithName("features")
	logger.Debug("hidden")
	logger.Info("derived features created", FeaturesKey, 12, ColumnKey, "wages_ratio")

	err := agierrors.NewMissingTargetError("avg_agi_per_return")
	logger.Error("prepare failed", err, OperationKey, OperationFit)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var info map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &info))
	assert.Equal(t, "info", info["level"])
	assert.Equal(t, "features", info[ComponentKey])
	assert.Equal(t, 12.0, info[FeaturesKey])
	assert.Equal(t, "derived features created", info["message"])

	var errEntry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &errEntry))
	assert.Contains(t, errEntry[ErrorKey], "avg_agi_per_return")
	assert.Equal(t, OperationFit, errEntry[OperationKey])

	assert.False(t, logger.Enabled(context.Background(), LevelDebug))
	p.SetLevel(LevelDebug)
	assert.True(t, p.GetLogger().Enabled(context.Background(), LevelDebug))
}

func TestZerologWithAndObjects(t *testing.T) {
	var buf bytes.Buffer
	p := NewZerologProvider(&buf, LevelDebug)

	logger := p.GetLogger().With(RunIDKey, "abc", "cause", fmt.Errorf("boom"))
	logger.Warn("column flagged", "warning", agierrors.NewDataQualityWarning("poverty_count", "missing_fraction", 0.6, 0.5))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "abc", entry[RunIDKey])
	assert.Equal(t, "boom", entry["cause"])

	warning, ok := entry["warning"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "poverty_count", warning["column"])
}

func TestToLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ToLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupRoutesWarnings(t *testing.T) {
	var buf bytes.Buffer
	_, err := Setup("info", "json", &buf)
	require.NoError(t, err)
	defer agierrors.SetZerologWarnFunc(nil)

	agierrors.Warn(agierrors.NewConvergenceWarning("TPE", 10, "timeout reached"))
	assert.Contains(t, buf.String(), "timeout reached")
	assert.Contains(t, buf.String(), "warnings")

	_, err = Setup("loud", "json", &buf)
	assert.Error(t, err)
}
