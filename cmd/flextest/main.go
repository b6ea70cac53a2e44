// flextest discovers and executes the units of the compiled-in artifacts,
// either once from the command line or behind the HTTP host.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/seantiz/flextest/internal/api"
	"github.com/seantiz/flextest/internal/bench"
	"github.com/seantiz/flextest/internal/config"
	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/host"
	"github.com/seantiz/flextest/internal/metrics"
	"github.com/seantiz/flextest/internal/model"
	"github.com/seantiz/flextest/internal/sample"
	"github.com/seantiz/flextest/internal/store"
	"github.com/seantiz/flextest/internal/tracing"
)

const serviceName = "flextest"

type arguments struct {
	command string
	source  string
	names   []string
	profile string
	asJSON  bool
}

func parseArgs(args []string) (*arguments, error) {
	app := kingpin.New("flextest", "Dependency-ordered test and benchmark runner.")
	profile := app.Flag("profile", "Run profile (YAML). Overrides FLEXTEST_PROFILE.").String()
	source := app.Flag("source", "Artifact to operate on.").Default(sample.Source).String()
	asJSON := app.Flag("json", "Print results as JSON.").Bool()

	app.Command("discover", "List the units of an artifact.")
	run := app.Command("run", "Run tests and print their results.")
	runNames := run.Arg("names", "Fully qualified test names (default: all selected by the profile).").Strings()
	benchCmd := app.Command("bench", "Run benchmarks and print their statistics.")
	benchNames := benchCmd.Arg("names", "Benchmark full names (default: all selected by the profile).").Strings()
	app.Command("serve", "Serve the HTTP host API.")

	command, err := app.Parse(args)
	if err != nil {
		return nil, err
	}

	a := &arguments{
		command: command,
		source:  *source,
		profile: *profile,
		asJSON:  *asJSON,
	}
	switch command {
	case "run":
		a.names = *runNames
	case "bench":
		a.names = *benchNames
	}
	if a.command == "serve" && a.asJSON {
		return nil, errors.Errorf("cannot combine --json with serve")
	}
	return a, nil
}

func (a *arguments) execute(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.profile != "" {
		cfg.ProfilePath = a.profile
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return errors.Wrap(err, "set up tracing")
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("flush traces", "error", err)
		}
	}()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer db.Close()

	reg := host.NewRegistry()
	reg.Register(sample.Source, sample.New())

	exec := host.NewExecutor(db, reg, logger, host.Options{
		Bench: bench.Options{
			Core:             cfg.BenchCore,
			CooperativeGrace: cfg.CooperativeGrace,
			ForcedGrace:      cfg.ForcedGrace,
			Logger:           logger,
		},
		Profile: profile,
		Sinks:   []events.Sink{metrics.Sink{}, tracing.NewSink(nil)},
	})

	switch a.command {
	case "discover":
		cases, err := reg.Discover(a.source)
		if err != nil {
			return err
		}
		return a.printCases(out, cases)
	case "run":
		return a.runKind(ctx, out, reg, exec, model.KindTest)
	case "bench":
		return a.runKind(ctx, out, reg, exec, model.KindBenchmark)
	case "serve":
		logger.Info("flextest: starting",
			"listen_addr", cfg.ListenAddr,
			"db_path", cfg.DBPath,
			"profile", cfg.ProfilePath,
		)
		return api.NewServer(cfg.ListenAddr, db, exec, logger).Run(ctx)
	}
	return errors.Errorf("unknown command %q", a.command)
}

// runKind executes the discovered units of one kind, or the named ones.
func (a *arguments) runKind(ctx context.Context, out io.Writer, reg *host.Registry, exec *host.Executor, kind model.Kind) error {
	discovered, err := reg.Discover(a.source)
	if err != nil {
		return err
	}

	var cases []host.TestCase
	if len(a.names) > 0 {
		for _, name := range a.names {
			cases = append(cases, host.TestCase{FullyQualifiedName: name, Source: a.source})
		}
	} else {
		for _, c := range discovered {
			isBench := c.Kind == model.KindBenchmark
			if isBench == (kind == model.KindBenchmark) {
				cases = append(cases, c)
			}
		}
	}

	results, err := exec.RunTests(ctx, cases)
	if err != nil {
		return err
	}
	if err := a.printResults(out, results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Outcome == host.OutcomeFailed || r.Outcome == host.OutcomeNotFound {
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d of %d units did not pass", failed, len(results))
	}
	return nil
}

func (a *arguments) printCases(out io.Writer, cases []host.TestCase) error {
	if a.asJSON {
		return json.NewEncoder(out).Encode(cases)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tCATEGORY\tLOCATION")
	for _, c := range cases {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s:%d\n", c.FullyQualifiedName, c.Kind, c.Category, c.CodeFilePath, c.LineNumber)
	}
	return tw.Flush()
}

func (a *arguments) printResults(out io.Writer, results []host.TestResult) error {
	if a.asJSON {
		return json.NewEncoder(out).Encode(results)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tNAME\tDURATION\tDETAIL")
	for _, r := range results {
		detail := r.ErrorMessage
		for _, m := range r.Metrics {
			if detail != "" {
				detail += " "
			}
			detail += m.Name + "=" + m.Display
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Outcome, r.Case.FullyQualifiedName, r.Duration, detail)
	}
	return tw.Flush()
}

func main() {
	kingpin.Version("0.1.0")
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}
	if err := args.execute(os.Stdout); err != nil {
		kingpin.Fatalf("%s", err)
	}
}
