package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/whaeuser/metex/internal/service/datasource"
	"github.com/whaeuser/metex/internal/service/datasource/influxdb"
	"github.com/whaeuser/metex/internal/service/datasource/prometheus"
	"github.com/whaeuser/metex/internal/service/extract"
	"github.com/whaeuser/metex/internal/service/format"
	"github.com/whaeuser/metex/internal/service/log"
)

// Version is set at build time.
var Version = "dev"

type config struct {
	source      string
	url         string
	metrics     string
	allMetrics  bool
	from        string
	to          string
	format      string
	outputFile  string
	token       string
	org         string
	bucket      string
	measurement string
	username    string
	password    string
	skipVerify  bool
	parallel    bool
	maxWorkers  int
	chunkEvery  time.Duration
	combined    bool
	verbose     bool
}

func parseFlags(args []string) (*config, error) {
	cfg := &config{}

	app := kingpin.New("metex", "Extract metrics from Prometheus and InfluxDB into portable formats.")
	app.Version(Version)

	app.Flag("source", "Data source to extract metrics from.").Required().EnumVar(&cfg.source, "prometheus", "influxdb")
	app.Flag("url", "URL of the data source.").Required().StringVar(&cfg.url)
	app.Flag("metrics", "Comma-separated list of metrics to extract.").StringVar(&cfg.metrics)
	app.Flag("all-metrics", "Extract all available metrics.").BoolVar(&cfg.allMetrics)
	app.Flag("from", "Start time for extraction (RFC3339, e.g. 2023-01-01T00:00:00Z).").StringVar(&cfg.from)
	app.Flag("to", "End time for extraction (RFC3339).").StringVar(&cfg.to)
	app.Flag("format", "Output format for the extracted data.").Default("csv").StringVar(&cfg.format)
	app.Flag("output-file", "Path to save the extracted data. In per-metric mode the metric name is inserted before the extension.").Required().StringVar(&cfg.outputFile)
	app.Flag("token", "API token for InfluxDB.").StringVar(&cfg.token)
	app.Flag("org", "Organization for InfluxDB.").StringVar(&cfg.org)
	app.Flag("bucket", "Bucket for InfluxDB.").StringVar(&cfg.bucket)
	app.Flag("measurement", "Optional measurement filter for InfluxDB.").StringVar(&cfg.measurement)
	app.Flag("username", "Basic auth username for Prometheus.").StringVar(&cfg.username)
	app.Flag("password", "Basic auth password for Prometheus.").StringVar(&cfg.password)
	app.Flag("insecure-skip-verify", "Skip TLS certificate verification.").BoolVar(&cfg.skipVerify)
	app.Flag("parallel", "Extract metrics in parallel.").BoolVar(&cfg.parallel)
	app.Flag("max-workers", "Maximum number of parallel workers.").Default("4").IntVar(&cfg.maxWorkers)
	app.Flag("chunk-every", "Extract incrementally in time chunks of this size (e.g. 24h).").DurationVar(&cfg.chunkEvery)
	app.Flag("combined-output", "Combine all metrics into a single output file (legacy behavior).").BoolVar(&cfg.combined)
	app.Flag("verbose", "Enable verbose output.").Short('v').BoolVar(&cfg.verbose)

	if _, err := app.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := Main(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Main runs the extraction, split from main so errors map to one exit path.
func Main(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.verbose)

	var metrics []string
	if cfg.metrics != "" {
		for _, m := range strings.Split(cfg.metrics, ",") {
			metrics = append(metrics, strings.TrimSpace(m))
		}
	} else if !cfg.allMetrics {
		return errors.New("either --metrics or --all-metrics must be specified")
	}

	from, err := parseTime(cfg.from)
	if err != nil {
		return errors.Wrapf(err, "invalid from time: %s", cfg.from)
	}
	to, err := parseTime(cfg.to)
	if err != nil {
		return errors.Wrapf(err, "invalid to time: %s", cfg.to)
	}

	src, err := newSource(cfg, logger)
	if err != nil {
		return err
	}

	extractor := extract.NewExtractor(format.Default, logger)
	req := extract.Request{
		Metrics:  metrics,
		From:     from,
		To:       to,
		Format:   cfg.format,
		Combined: cfg.combined,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g run.Group

	// OS signals.
	{
		sigC := make(chan os.Signal, 1)
		doneC := make(chan struct{})
		signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT)

		g.Add(
			func() error {
				select {
				case s := <-sigC:
					logger.Infof("signal %s received", s)
					return nil
				case <-doneC:
					return nil
				}
			},
			func(error) {
				close(doneC)
			},
		)
	}

	// Extraction runner.
	{
		g.Add(
			func() error {
				return runExtraction(ctx, extractor, src, req, cfg, logger)
			},
			func(error) {
				cancel()
			},
		)
	}

	return g.Run()
}

func runExtraction(ctx context.Context, extractor *extract.Extractor, src datasource.DataSource, req extract.Request, cfg *config, logger log.Logger) error {
	switch {
	case cfg.chunkEvery > 0:
		it, err := extractor.ExtractIncremental(ctx, src, req, cfg.chunkEvery)
		if err != nil {
			return err
		}
		for i := 0; it.Next(ctx); i++ {
			if err := writeResult(chunkFilename(cfg.outputFile, i), it.Chunk(), logger); err != nil {
				return err
			}
		}
		return it.Err()

	case cfg.parallel && len(req.Metrics) > 1:
		logger.Infof("extracting %d metrics in parallel", len(req.Metrics))
		res, err := extractor.ExtractParallel(ctx, src, req, cfg.maxWorkers)
		if err != nil {
			return err
		}
		return writeResult(cfg.outputFile, res, logger)

	default:
		res, err := extractor.Extract(ctx, src, req)
		if err != nil {
			return err
		}
		return writeResult(cfg.outputFile, res, logger)
	}
}

func newSource(cfg *config, logger log.Logger) (datasource.DataSource, error) {
	switch cfg.source {
	case "prometheus":
		return prometheus.New(prometheus.Config{
			Address:       cfg.url,
			Username:      cfg.username,
			Password:      cfg.password,
			SkipTLSVerify: cfg.skipVerify,
			Logger:        logger,
		}), nil
	case "influxdb":
		if cfg.token == "" || cfg.org == "" || cfg.bucket == "" {
			return nil, errors.New("--token, --org, and --bucket are required for influxdb")
		}
		return influxdb.New(influxdb.Config{
			URL:         cfg.url,
			Token:       cfg.token,
			Org:         cfg.org,
			Bucket:      cfg.bucket,
			Measurement: cfg.measurement,
			Logger:      logger,
		}), nil
	}
	return nil, errors.Errorf("unknown source: %s", cfg.source)
}

func newLogger(verbose bool) log.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().
		Logger()
	return log.NewZerolog(zlog)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeResult(path string, res *extract.Result, logger log.Logger) error {
	if res.PerMetric == nil {
		logger.Infof("saving data to %s", path)
		return writeArtifact(path, res.Artifact)
	}

	for metric, artifact := range res.PerMetric {
		file := metricFilename(path, metric)
		logger.Infof("saving metric %s to %s", metric, file)
		if err := writeArtifact(file, artifact); err != nil {
			return err
		}
	}
	return nil
}

func writeArtifact(path string, artifact interface{}) error {
	switch v := artifact.(type) {
	case string:
		return os.WriteFile(path, []byte(v), 0o644)
	case []byte:
		return os.WriteFile(path, v, 0o644)
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return errors.Wrap(err, "artifact is not serializable")
		}
		return os.WriteFile(path, b, 0o644)
	}
}

// metricFilename inserts the metric name before the destination's file
// extension, so metrics.csv becomes metrics_http_requests_total.csv.
func metricFilename(path, metric string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + sanitizeMetric(metric) + ext
}

func chunkFilename(path string, n int) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s_chunk%d%s", strings.TrimSuffix(path, ext), n, ext)
}

// sanitizeMetric keeps the base metric name of an expression and replaces
// anything a filesystem could trip over.
func sanitizeMetric(metric string) string {
	if i := strings.IndexAny(metric, "{("); i >= 0 {
		metric = metric[:i]
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == ':':
			return r
		default:
			return '_'
		}
	}, metric)
}
