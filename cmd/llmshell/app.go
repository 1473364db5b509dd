package main

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/xerrors"

	"github.com/vitali87/llm-shell/batch"
	"github.com/vitali87/llm-shell/metrics"
	"github.com/vitali87/llm-shell/output"
	"github.com/vitali87/llm-shell/prompt"
	"github.com/vitali87/llm-shell/runner"
	"github.com/vitali87/llm-shell/translate"
)

type App struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

func NewApp() *App {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}

	return &App{
		logger: logger,
		level:  level,
	}
}

// runConfig is built once per run from flags, env and the config file.
type runConfig struct {
	Input       string
	Output      string
	BaseURL     string
	UserAgent   string
	Timeout     time.Duration
	Workers     int
	MetricsFile string
	Client      translate.Config
}

func (app *App) config(c *cli.Context) (runConfig, error) {
	cfg := runConfig{
		Input:       c.Args().First(),
		Output:      c.String("output"),
		BaseURL:     c.String("base-url"),
		UserAgent:   c.String("user-agent"),
		Timeout:     c.Duration("timeout"),
		Workers:     c.Int("workers"),
		MetricsFile: c.String("metrics.file"),
		Client: translate.Config{
			Model:       c.String("model"),
			MaxRetries:  c.Int("max-retries"),
			RetryDelay:  c.Duration("retry-delay"),
			Temperature: c.Float64("temperature"),
			Rate:        c.Float64("rate"),
		},
	}

	switch {
	case c.NArg() != 1:
		return cfg, xerrors.Errorf("expected exactly one input file, got %d arguments", c.NArg())
	case cfg.Workers < 1:
		return cfg, xerrors.Errorf("workers must be positive, got %d", cfg.Workers)
	case cfg.Client.MaxRetries < 0:
		return cfg, xerrors.Errorf("max-retries must not be negative, got %d", cfg.Client.MaxRetries)
	case cfg.Client.RetryDelay < 0:
		return cfg, xerrors.Errorf("retry-delay must not be negative, got %s", cfg.Client.RetryDelay)
	case cfg.Timeout <= 0:
		return cfg, xerrors.Errorf("timeout must be positive, got %s", cfg.Timeout)
	case cfg.BaseURL == "":
		return cfg, xerrors.New("base-url must not be empty")
	case cfg.Client.Model == "":
		return cfg, xerrors.New("model must not be empty")
	}

	return cfg, nil
}

func (app *App) run(c *cli.Context) error {
	if c.Bool("debug") {
		app.level.SetLevel(zapcore.DebugLevel)
	}

	cfg, err := app.config(c)
	if err != nil {
		return err
	}

	logger := app.logger.With(zap.String("run_id", uuid.New().String()))

	prompts, err := prompt.Load(cfg.Input)
	if err != nil {
		return xerrors.Errorf("failed to load prompts: %w", err)
	}
	logger.Info("Loaded prompts",
		zap.String("path", cfg.Input),
		zap.Int("count", len(prompts)),
	)

	if c.IsSet("temperature") && cfg.Client.Temperature != translate.RequestTemperature {
		logger.Warn("Configured temperature is not forwarded to the model",
			zap.Float64("configured", cfg.Client.Temperature),
			zap.Float64("sent", translate.RequestTemperature),
		)
	}

	m := metrics.NewCollector(metrics.DefaultNamespace)
	r := runner.NewHTTPRunner(
		runner.WithBaseURL(cfg.BaseURL),
		runner.WithTimeout(cfg.Timeout),
		runner.WithUserAgent(cfg.UserAgent),
	)
	client := translate.NewClient(r, logger.Named("client"), cfg.Client, translate.WithMetrics(m))

	clientCfg := client.Config()
	logger.With(
		zap.String("endpoint", r.Endpoint()),
		zap.String("model", clientCfg.Model),
		zap.Int("max_retries", clientCfg.MaxRetries),
		zap.Duration("retry_delay", clientCfg.RetryDelay),
		zap.Float64("rate", clientCfg.Rate),
	).Debug("Client configured")

	results := batch.NewScheduler(client, logger.Named("scheduler"), cfg.Workers).
		Process(c.Context, prompts)

	if err := output.Write(results, cfg.Output); err != nil {
		return xerrors.Errorf("failed to save results: %w", err)
	}
	logger.Info("Results saved", zap.String("path", cfg.Output))

	if cfg.MetricsFile != "" {
		if err := m.WriteFile(cfg.MetricsFile); err != nil {
			return err
		}
		logger.Debug("Metrics saved", zap.String("path", cfg.MetricsFile))
	}

	sum := batch.Summarize(results)
	logger.Info("Processing complete",
		zap.Int("total", sum.Total),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
	)
	return nil
}

func (app *App) getEnvNames(names ...string) []string {
	r := make([]string, len(names))
	for i, name := range names {
		r[i] = "LLMSHELL_" + name
	}
	return r
}

func (app *App) flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config.file",
			Value:   "llmshell.yml",
			Usage:   "path to config file",
			EnvVars: app.getEnvNames("CONFIG_FILE", "CONFIG"),
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: app.getEnvNames("DEBUG"),
		},

		// io
		altsrc.NewPathFlag(&cli.PathFlag{
			Name:    "output",
			Value:   output.DefaultPath,
			Usage:   "output file path",
			Aliases: []string{"o"},
			EnvVars: app.getEnvNames("OUTPUT"),
		}),
		altsrc.NewPathFlag(&cli.PathFlag{
			Name:    "metrics.file",
			Usage:   "write Prometheus metrics to this file after the run",
			EnvVars: app.getEnvNames("METRICS_FILE"),
		}),

		// model
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "model",
			Value:   translate.DefaultModel,
			Usage:   "Ollama model name",
			Aliases: []string{"m"},
			EnvVars: app.getEnvNames("MODEL"),
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "base-url",
			Value:   runner.DefaultBaseURL,
			Usage:   "Ollama API base URL",
			Aliases: []string{"u"},
			EnvVars: app.getEnvNames("BASE_URL"),
		}),
		altsrc.NewStringFlag(&cli.StringFlag{
			Name:    "user-agent",
			Value:   runner.DefaultUserAgent,
			Usage:   "User-Agent header sent to the API",
			EnvVars: app.getEnvNames("USER_AGENT"),
		}),
		altsrc.NewFloat64Flag(&cli.Float64Flag{
			Name:    "temperature",
			Value:   0.0,
			Usage:   "temperature for generation (requests are always sent with 0.1)",
			Aliases: []string{"t"},
			EnvVars: app.getEnvNames("TEMPERATURE"),
		}),

		// scheduling
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "workers",
			Value:   batch.DefaultWorkers,
			Usage:   "number of concurrent requests",
			Aliases: []string{"w"},
			EnvVars: app.getEnvNames("WORKERS"),
		}),
		altsrc.NewIntFlag(&cli.IntFlag{
			Name:    "max-retries",
			Value:   translate.DefaultMaxRetries,
			Usage:   "maximum number of retries for a failed request",
			EnvVars: app.getEnvNames("MAX_RETRIES"),
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "retry-delay",
			Value:   translate.DefaultRetryDelay,
			Usage:   "delay between retries",
			EnvVars: app.getEnvNames("RETRY_DELAY"),
		}),
		altsrc.NewDurationFlag(&cli.DurationFlag{
			Name:    "timeout",
			Value:   runner.DefaultTimeout,
			Usage:   "timeout of a single request",
			EnvVars: app.getEnvNames("TIMEOUT"),
		}),
		altsrc.NewFloat64Flag(&cli.Float64Flag{
			Name:    "rate",
			Usage:   "maximum requests per second across all workers, 0 means unlimited",
			EnvVars: app.getEnvNames("RATE"),
		}),
	}

	return flags
}

func (app *App) commands() []*cli.Command {
	commands := []*cli.Command{
		{
			Name:        "run",
			Usage:       "translate every prompt of the input file into a shell command",
			Description: "reads prompts from a JSON or text file and writes the generated commands as JSON",
			ArgsUsage:   "<input_file>",
			Flags:       app.flags(),
			Action:      app.run,
		},
	}

	app.addFileConfig("config.file", commands[0])
	return commands
}

func (app *App) addFileConfig(flagName string, command *cli.Command) {
	prev := command.Before

	command.Before = func(context *cli.Context) error {
		if prev != nil {
			err := prev(context)
			if err != nil {
				return err
			}
		}

		path := context.String(flagName)
		fileContext, err := altsrc.NewYamlSourceFromFile(path)
		if err != nil {
			app.logger.Debug("failed to load config from", zap.String("path", path))
			return nil
		}

		return altsrc.ApplyInputSourceValues(context, fileContext, command.Flags)
	}
}

func (app *App) cli() *cli.App {
	cliApp := &cli.App{
		Name:     "llmshell",
		Usage:    "Translate natural-language instructions into shell commands with a local Ollama model",
		Commands: app.commands(),
	}

	return cliApp
}

func (app *App) Run(args []string) error {
	undo, err := maxprocs.Set(maxprocs.Logger(app.logger.Sugar().Debugf))
	if err != nil {
		app.logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	defer undo()
	defer func() { _ = app.logger.Sync() }()

	return app.cli().Run(args)
}

func main() {
	if err := NewApp().Run(os.Args); err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
