package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/eval"
	"github.com/pavelanni/modeluniversity/internal/handler"
	"github.com/pavelanni/modeluniversity/internal/llm/prompts"
	"github.com/pavelanni/modeluniversity/internal/metrics"
	"github.com/pavelanni/modeluniversity/internal/model"
	"github.com/pavelanni/modeluniversity/internal/shuffle"
	"github.com/pavelanni/modeluniversity/internal/store"
)

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate candidate models on the test question bank",
		RunE:  runEval,
	}
	def := config.Default()
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringSlice("models", def.Models.Evals, "Candidate models to evaluate (repeatable)")
	f.String("judge-model", def.Models.Judge, "Model that scores the answers")
	f.String("judge", def.Eval.Judge, "Judge metric (multiple_choice, answer_match)")
	f.String("testing-file", def.Files.Testing, "Test question bank")
	f.String("training-file", def.Files.Training, "Practice bank the textbook is built from")
	f.String("textbook-db", def.Textbook.Path, "Textbook SQLite database path")
	f.Bool("textbook", def.Eval.OpenBook, "Run an open-book pass with textbook passages")
	f.Bool("closed-book", def.Eval.ClosedBook, "Run a closed-book pass")
	f.String("dataset", def.Eval.Dataset, "Dataset name")
	f.String("prefix", def.Eval.ExperimentPrefix, "Experiment name prefix")
	f.IntP("threads", "t", def.Eval.Threads, "Concurrent items per model")
	f.Int("top-k", def.Textbook.TopK, "Textbook passages per question")
	f.Uint64("seed", 0, "Seed for answer shuffling (0 = random)")
	f.String("metrics-addr", "", "Serve /metrics on this address while evaluating")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export experiments with per-item results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringSlice("experiment", nil, "Experiment ids to export (default all)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored experiments as a JSON API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /eval)")
	return cmd
}

func runEval(cmd *cobra.Command, _ []string) error {
	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.Eval.ClosedBook && !cfg.Eval.OpenBook {
		return config.Errorf("nothing to run: both closed-book and textbook passes are disabled")
	}
	ctx := cmd.Context()

	m := metrics.New()
	if addr := v.GetString("metrics-addr"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen for metrics: %w", err)
		}
		stop := serveMetrics(ln, m)
		defer stop()
	}

	db, err := store.New(cfg.Files.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	client := newLLMClient(cfg, m)
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", cfg.LLM.BaseURL, "models", cfg.Models.Evals, "judge", cfg.Models.Judge)

	shuffler := shuffle.NewRandom()
	if seed := v.GetUint64("seed"); seed != 0 {
		shuffler = shuffle.NewSeeded(seed)
	}
	set := prompts.MustDefault()
	judge, err := eval.NewMetric(cfg.Eval.Judge, client, set, eval.JudgeConfig{
		Model:       cfg.Models.Judge,
		Role:        cfg.Roles.Judge,
		Temperature: cfg.Eval.Temperature,
	})
	if err != nil {
		return err
	}

	var tb eval.Textbook
	if cfg.Eval.OpenBook {
		t, err := openTextbook(cfg, m)
		if err != nil {
			return err
		}
		defer t.Close()
		tb = t
	}

	runner := eval.NewRunner(db, eval.NewEngine(db, m), eval.NewTasks(client, shuffler, set), []eval.Metric{judge}, tb)
	req := eval.RunRequest{
		DatasetName:      cfg.Eval.Dataset,
		BankPath:         cfg.Files.Testing,
		TextbookBankPath: cfg.Files.Training,
		Models:           cfg.Models.Evals,
		Threads:          cfg.Eval.Threads,
		ExperimentPrefix: cfg.Eval.ExperimentPrefix,
		Role:             cfg.Roles.Student,
		MaxTokens:        cfg.Eval.MaxTokens,
		Temperature:      cfg.Eval.Temperature,
		TopK:             cfg.Textbook.TopK,
	}

	var errs []error
	if cfg.Eval.ClosedBook {
		results, err := runner.Run(ctx, req)
		errs = append(errs, err)
		printResults(cmd.OutOrStdout(), db, results)
	}
	if cfg.Eval.OpenBook && ctx.Err() == nil {
		req.OpenBook = true
		req.ExperimentPrefix = cfg.Eval.ExperimentPrefix + "_textbook"
		results, err := runner.Run(ctx, req)
		errs = append(errs, err)
		printResults(cmd.OutOrStdout(), db, results)
	}
	return errors.Join(errs...)
}

// serveMetrics exposes m on ln until the returned stop function is called.
func serveMetrics(ln net.Listener, m *metrics.Metrics) (stop func()) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Handler: r}
	go func() {
		slog.Info("serving metrics", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	return func() { _ = srv.Close() }
}

// printResults writes one accuracy line per experiment.
func printResults(w io.Writer, db *store.Store, results map[string]model.ExperimentResult) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXPERIMENT\tSTATUS\tSCORED\tUNSCORED\tMEAN SCORE")
	for _, res := range results {
		view, err := db.GetExperimentView(res.Experiment.ID)
		if err != nil {
			slog.Error("load experiment", "id", res.Experiment.ID, "error", err)
			continue
		}
		means := make([]string, 0, len(view.Summary.Metrics))
		for name, v := range view.Summary.Metrics {
			means = append(means, fmt.Sprintf("%s=%.3f", name, v))
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", view.Experiment.Name, view.Experiment.Status,
			view.Summary.Scored, view.Summary.Unscored, strings.Join(means, " "))
	}
	tw.Flush()
}

func runExport(cmd *cobra.Command, _ []string) error {
	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Files.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportExperiments(v.GetStringSlice("experiment"))
	if err != nil {
		return fmt.Errorf("export experiments: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	db, err := store.New(cfg.Files.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	m := metrics.New()
	h := handler.New(db, m.Registry)

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-cmd.Context().Done()
		_ = srv.Close()
	}()

	slog.Info("starting server", "addr", addr, "db", cfg.Files.Database, "base_path", basePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
