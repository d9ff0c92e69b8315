package pipeline

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/interpret"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/store"
	"github.com/YuminosukeSato/agipredict/table"
)

// writeRegions writes n synthetic regions whose AGI per return follows
// household income and unemployment.
func writeRegions(t *testing.T, path string, n int) {
	t.Helper()
	rng := rand.New(rand.NewPCG(3, 3))
	zips := make([]string, n)
	states := make([]string, n)
	lat := make([]float64, n)
	lon := make([]float64, n)
	income := make([]float64, n)
	unemp := make([]float64, n)
	poverty := make([]float64, n)
	agi := make([]float64, n)
	for i := 0; i < n; i++ {
		zips[i] = "0" + string(rune('1'+i%9)) + string(rune('0'+i/100%10)) + string(rune('0'+i/10%10)) + string(rune('0'+i%10))
		states[i] = []string{"01", "02", "03", "04", "05"}[i%5]
		lat[i] = 30 + rng.Float64()*10
		lon[i] = -100 + rng.Float64()*20
		income[i] = 30000 + rng.Float64()*70000
		unemp[i] = 2 + rng.Float64()*8
		poverty[i] = 5 + rng.Float64()*20
		agi[i] = 10000 + 0.8*income[i] - 1500*unemp[i] + rng.NormFloat64()*500
	}
	tbl := table.New(n)
	require.NoError(t, tbl.SetString("zipcode", zips, nil))
	require.NoError(t, tbl.SetString("state_fips", states, nil))
	require.NoError(t, tbl.SetNumeric("latitude", lat))
	require.NoError(t, tbl.SetNumeric("longitude", lon))
	require.NoError(t, tbl.SetNumeric("median_household_income", income))
	require.NoError(t, tbl.SetNumeric("unemployment_rate", unemp))
	require.NoError(t, tbl.SetNumeric("poverty_rate", poverty))
	require.NoError(t, tbl.SetNumeric("avg_agi_per_return", agi))
	require.NoError(t, table.Save(tbl, path))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataFile = filepath.Join(dir, "data", "merged.csv")
	cfg.Paths.ModelsDir = filepath.Join(dir, "models")
	cfg.Paths.PipelineFile = filepath.Join(dir, "models", "feature_pipeline.gob")
	cfg.Paths.ModelFile = filepath.Join(dir, "models", "best_model.gob")
	cfg.Paths.ReportsDir = filepath.Join(dir, "reports")
	cfg.Paths.StoreDSN = filepath.Join(dir, "reports", "runs.db")
	cfg.Interpret.NRepeats = 3
	cfg.Interpret.SHAPSampleSize = 20
	cfg.Interpret.BackgroundSize = 10
	return cfg
}

func TestTrainInterpretPredict(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeRegions(t, cfg.Paths.DataFile, 300)

	res, err := Train(ctx, cfg, TrainOptions{})
	require.NoError(t, err)
	require.Len(t, res.Results, 4)
	assert.NotEmpty(t, res.RunID)
	assert.NotEmpty(t, res.BestModel)
	assert.Equal(t, cfg.Paths.ModelFile, res.ModelPath)
	assert.Contains(t, res.Summary, "Best Model: "+res.BestModel)
	assert.FileExists(t, cfg.Paths.ModelFile)
	assert.FileExists(t, cfg.Paths.PipelineFile)
	assert.FileExists(t, cfg.ResultsFile())

	runs, err := store.NewSQLiteStore(cfg.Paths.StoreDSN)
	require.NoError(t, err)
	defer runs.Close()
	run, err := runs.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, run.Finished())
	assert.Equal(t, res.BestModel, run.BestModel)
	assert.Equal(t, 300, run.NSamples)
	evals, err := runs.ListEvaluations(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, evals, 4)

	ir, err := Interpret(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, res.BestModel, ir.Model)
	assert.NotEmpty(t, ir.Permutation)
	assert.NotEmpty(t, ir.TopFeatures)
	assert.FileExists(t, filepath.Join(cfg.ImportanceDir(), interpret.PermutationCSV))
	assert.Contains(t, ir.Reports, filepath.Join(cfg.ImportanceDir(), interpret.PermutationCSV))
	imps, err := runs.ListImportances(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, imps, len(ir.Permutation))

	p, err := LoadPredictor(cfg)
	require.NoError(t, err)
	assert.False(t, p.UsesSpatial())
	preds, err := p.PredictRecords([]map[string]float64{
		{"median_household_income": 60000, "unemployment_rate": 4, "poverty_rate": 10, "unknown_field": 1},
		{"median_household_income": 90000},
	})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	for _, v := range preds {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	single, err := p.PredictRecords([]map[string]float64{{"median_household_income": 90000}})
	require.NoError(t, err)
	assert.InDelta(t, preds[1], single[0], 1e-9)

	gap := map[string]float64{"median_household_income": math.NaN(), "unemployment_rate": 4, "poverty_rate": 10}
	fromRecord, err := p.PredictRecords([]map[string]float64{gap})
	require.NoError(t, err)
	gapTable := table.New(1)
	require.NoError(t, gapTable.SetNumeric("median_household_income", []float64{math.NaN()}))
	require.NoError(t, gapTable.SetNumeric("unemployment_rate", []float64{4}))
	require.NoError(t, gapTable.SetNumeric("poverty_rate", []float64{10}))
	fromTable, err := p.PredictTable(gapTable)
	require.NoError(t, err)
	assert.InDelta(t, fromTable.AtVec(0), fromRecord[0], 1e-9)
	assert.False(t, math.IsNaN(fromRecord[0]))

	_, err = p.PredictRecords(nil)
	assert.Error(t, err)

	out := filepath.Join(t.TempDir(), "preds.csv")
	n, err := PredictFile(cfg, cfg.Paths.DataFile, out)
	require.NoError(t, err)
	assert.Equal(t, 300, n)
	got, err := table.Load(out, table.LoadOptions{IdentifierColumns: cfg.Features.IdentifierColumns})
	require.NoError(t, err)
	col, ok := got.Numeric(PredictionColumn)
	require.True(t, ok)
	assert.Len(t, col, 300)
	zips, ok := got.Strings("zipcode")
	require.True(t, ok)
	assert.Equal(t, "01000", zips[0])
}

func TestInterpretRequiresModelFeatures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Paths.StoreDSN = ""
	writeRegions(t, cfg.Paths.DataFile, 200)
	_, err := Train(ctx, cfg, TrainOptions{})
	require.NoError(t, err)

	data, err := table.Load(cfg.Paths.DataFile, table.LoadOptions{IdentifierColumns: cfg.Features.IdentifierColumns})
	require.NoError(t, err)
	data.Drop("poverty_rate")
	require.NoError(t, table.Save(data, cfg.Paths.DataFile))

	_, err = Interpret(ctx, cfg)
	var mc *errors.MissingColumnError
	require.True(t, errors.As(err, &mc))
	assert.Contains(t, mc.Columns, "poverty_rate")
}

func TestMissingArtifacts(t *testing.T) {
	cfg := testConfig(t)
	var nf *errors.DataNotFoundError

	_, err := LoadPredictor(cfg)
	assert.True(t, errors.As(err, &nf))

	_, err = Interpret(context.Background(), cfg)
	assert.True(t, errors.As(err, &nf))

	_, err = Train(context.Background(), cfg, TrainOptions{})
	assert.True(t, errors.As(err, &nf))
}

func TestTrainWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.StoreDSN = ""
	writeRegions(t, cfg.Paths.DataFile, 120)

	res, err := Train(context.Background(), cfg, TrainOptions{SaveAll: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.BestModel)
	entries, err := os.ReadDir(cfg.Paths.ModelsDir)
	require.NoError(t, err)
	// pipeline, best model and one file per candidate
	assert.Len(t, entries, 6)
}
