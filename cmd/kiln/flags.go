package main

import "github.com/urfave/cli/v3"

var (
	snapshotDir  string
	hidden       int64
	seed         int64
	batchSize    int64
	optimizer    string
	learningRate float64
	scheduler    string
	clipNorm     float64
	samplerName  string
	contexts     []string
	maxLength    int64
	genBatch     int64
	scalerName   string
	logLevel     string
	logFormat    string
	debug        bool
)

func moduleFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "snapshot",
			Aliases:     []string{"s"},
			Usage:       "snapshot directory to resume from and save to",
			Destination: &snapshotDir,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "hidden size of the reference models",
			Value:       32,
			Destination: &hidden,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for parameters and context selection",
			Value:       1,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Usage:       "supervised mini-batch size",
			Value:       8,
			Destination: &batchSize,
		},
		&cli.StringFlag{
			Name:        "optimizer",
			Usage:       "optimizer (adam, sgd, rmsprop)",
			Value:       "adam",
			Destination: &optimizer,
		},
		&cli.FloatFlag{
			Name:        "lr",
			Aliases:     []string{"learning-rate"},
			Usage:       "learning rate (0 keeps the optimizer default)",
			Destination: &learningRate,
		},
		&cli.StringFlag{
			Name:        "scheduler",
			Usage:       "learning rate scheduler (constant, oneCycle, exponential, step, cosine)",
			Value:       "constant",
			Destination: &scheduler,
		},
		&cli.FloatFlag{
			Name:        "clip-norm",
			Usage:       "clip gradients to this global norm (0 disables)",
			Destination: &clipNorm,
		},
		&cli.StringFlag{
			Name:        "sampler",
			Usage:       "sampler (proportional, topK, nucleus, epsilonGreedy, epsilonNucleus)",
			Value:       "epsilonNucleus",
			Destination: &samplerName,
		},
		&cli.StringSliceFlag{
			Name:        "context",
			Usage:       "seed context for generation (repeatable)",
			Destination: &contexts,
		},
		&cli.Int64Flag{
			Name:        "max-length",
			Usage:       "maximum number of generated tokens per post",
			Value:       64,
			Destination: &maxLength,
		},
		&cli.Int64Flag{
			Name:        "gen-batch-size",
			Usage:       "number of posts generated per batch",
			Value:       8,
			Destination: &genBatch,
		},
		&cli.StringFlag{
			Name:        "scaler",
			Usage:       "reward scaler (identity, standard, minmax, quantile)",
			Value:       "standard",
			Destination: &scalerName,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
