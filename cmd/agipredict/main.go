// Command agipredict trains, explains and serves the regional AGI per
// return model.
//
//	agipredict train [-config f] [-tune] [-ensemble] [-spatial] [-save-all]
//	agipredict interpret [-config f]
//	agipredict predict [-config f] -in regions.csv -out predictions.csv
//	agipredict serve [-config f] [-addr :8080]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/YuminosukeSato/agipredict/config"
	"github.com/YuminosukeSato/agipredict/pipeline"
	"github.com/YuminosukeSato/agipredict/pkg/errors"
	"github.com/YuminosukeSato/agipredict/pkg/log"
	"github.com/YuminosukeSato/agipredict/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "agipredict:", err)
		var nf *errors.DataNotFoundError
		if errors.As(err, &nf) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: agipredict <train|interpret|predict|serve> [flags]")
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return errors.New("missing command")
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file")

	switch cmd {
	case "train":
		tune := fs.Bool("tune", false, "tune hyperparameters with TPE")
		ensemble := fs.Bool("ensemble", false, "also train the stacked ensemble")
		spatial := fs.Bool("spatial", false, "add spatial lag features")
		saveAll := fs.Bool("save-all", false, "save every candidate model")
		cfg, err := parse(fs, args, configPath)
		if err != nil {
			return err
		}
		res, err := pipeline.Train(ctx, cfg, pipeline.TrainOptions{
			Tune:     *tune,
			Ensemble: *ensemble,
			Spatial:  *spatial || cfg.Features.IncludeSpatial,
			SaveAll:  *saveAll,
		})
		if err != nil {
			return err
		}
		fmt.Fprint(stdout, res.Summary)
		fmt.Fprintf(stdout, "Run %s saved %s\n", res.RunID, res.ModelPath)
		return nil

	case "interpret":
		cfg, err := parse(fs, args, configPath)
		if err != nil {
			return err
		}
		res, err := pipeline.Interpret(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Top features for %s:\n", res.Model)
		for i, name := range res.TopFeatures {
			fmt.Fprintf(stdout, "%3d. %s\n", i+1, name)
		}
		if !res.SHAP.OK() {
			fmt.Fprintf(stdout, "SHAP %s: %s\n", res.SHAP.Status, res.SHAP.Reason)
		}
		for _, path := range res.Reports {
			fmt.Fprintln(stdout, "wrote", path)
		}
		return nil

	case "predict":
		in := fs.String("in", "", "input table (.csv or .xlsx)")
		out := fs.String("out", "predictions.csv", "output table")
		cfg, err := parse(fs, args, configPath)
		if err != nil {
			return err
		}
		if *in == "" {
			return errors.NewValidationError("in", "input file is required", *in)
		}
		n, err := pipeline.PredictFile(cfg, *in, *out)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Predicted %d rows into %s\n", n, *out)
		return nil

	case "serve":
		addr := fs.String("addr", "", "listen address (overrides config)")
		cfg, err := parse(fs, args, configPath)
		if err != nil {
			return err
		}
		if *addr != "" {
			cfg.Server.Addr = *addr
		}
		var srv *server.Server
		p, err := pipeline.LoadPredictor(cfg)
		if err != nil {
			log.GetLoggerWithName("server").Warn("Serving without a model", log.ErrorKey, err)
			srv = server.New(cfg, nil, server.WithLoadError(err))
		} else {
			srv = server.New(cfg, p)
		}
		return srv.ListenAndServe(ctx)

	case "-h", "-help", "--help", "help":
		usage(stdout)
		return nil

	default:
		usage(stdout)
		return errors.Newf("unknown command %q", cmd)
	}
}

// parse parses the flags, loads the config named by -config and sets up
// logging from it.
func parse(fs *flag.FlagSet, args []string, configPath *string) (*config.Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if _, err := log.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		return nil, err
	}
	return cfg, nil
}
