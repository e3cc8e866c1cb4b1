package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pavelanni/modeluniversity/internal/config"
	"github.com/pavelanni/modeluniversity/internal/datagen"
	"github.com/pavelanni/modeluniversity/internal/llm"
	"github.com/pavelanni/modeluniversity/internal/llm/prompts"
	"github.com/pavelanni/modeluniversity/internal/metrics"
	"github.com/pavelanni/modeluniversity/internal/textbook"
)

func curriculumCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curriculum",
		Short: "Load the curriculum, generating it if the file does not exist",
		RunE:  runCurriculum,
	}
	f := cmd.Flags()
	addCommonFlags(f)
	f.String("curriculum-file", config.Default().Files.Curriculum, "Curriculum JSON file")
	f.String("datagen-model", config.Default().Models.Datagen, "Model that writes the course material")
	return cmd
}

func questionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "questions",
		Short: "Generate practice and test question banks for every subtopic",
		RunE:  runQuestions,
	}
	def := config.Default()
	f := cmd.Flags()
	addCommonFlags(f)
	f.String("curriculum-file", def.Files.Curriculum, "Curriculum JSON file")
	f.String("training-file", def.Files.Training, "Practice question bank to write")
	f.String("testing-file", def.Files.Testing, "Test question bank to write")
	f.String("datagen-model", def.Models.Datagen, "Model that writes the course material")
	return cmd
}

func transformCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Convert the practice bank into chat-format training data",
		RunE:  runTransform,
	}
	def := config.Default()
	f := cmd.Flags()
	addCommonFlags(f)
	f.String("training-file", def.Files.Training, "Practice question bank to read")
	f.String("output-file", def.Files.Trainable, "Trainable conversations file to write")
	return cmd
}

func textbookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "textbook",
		Short: "Build or query the retrieval textbook",
	}
	def := config.Default()

	build := &cobra.Command{
		Use:   "build",
		Short: "Chunk and embed the practice bank into the textbook",
		RunE:  runTextbookBuild,
	}
	f := build.Flags()
	addCommonFlags(f)
	f.String("training-file", def.Files.Training, "Practice question bank to read")
	f.String("textbook-db", def.Textbook.Path, "Textbook SQLite database path")
	f.Bool("rebuild", false, "Drop the existing collection first")

	query := &cobra.Command{
		Use:   "query <text>",
		Short: "Print the passages most similar to text",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTextbookQuery,
	}
	f = query.Flags()
	addCommonFlags(f)
	f.String("textbook-db", def.Textbook.Path, "Textbook SQLite database path")
	f.IntP("top-k", "k", def.Textbook.TopK, "Number of passages to return")

	cmd.AddCommand(build, query)
	return cmd
}

func runCurriculum(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	g := datagen.New(newLLMClient(cfg, nil), prompts.MustDefault(), cfg)
	c, err := g.Curriculum(cmd.Context(), cfg.Files.Curriculum)
	if err != nil {
		return err
	}
	for _, t := range c.Topics {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", t.Topic, strings.Join(t.Subtopics, ", "))
	}
	return nil
}

func runQuestions(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client := newLLMClient(cfg, nil)
	if err := client.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}

	g := datagen.New(client, prompts.MustDefault(), cfg)
	c, err := g.Curriculum(cmd.Context(), cfg.Files.Curriculum)
	if err != nil {
		return err
	}
	if err := g.Questions(cmd.Context(), c, cfg.Files.Training, cfg.Files.Testing); err != nil {
		return err
	}
	slog.Info("question banks written", "training", cfg.Files.Training, "testing", cfg.Files.Testing)
	return nil
}

func runTransform(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := datagen.Transform(cfg.Roles.Student, cfg.Files.Training, cfg.Files.Trainable)
	if err != nil {
		return err
	}
	slog.Info("wrote trainable data", "path", cfg.Files.Trainable, "conversations", n)
	return nil
}

// openTextbook opens the configured textbook with the configured embedder.
func openTextbook(cfg config.Config, m *metrics.Metrics) (*textbook.Store, error) {
	embedder, err := textbook.NewEmbedder(cfg.Embedding, llm.OpenAIClient(cfg.LLM.BaseURL, cfg.LLM.APIKey))
	if err != nil {
		return nil, err
	}
	embedder.SetMetrics(m)
	tb, err := textbook.Open(cfg.Textbook, embedder)
	if err != nil {
		return nil, err
	}
	tb.SetMetrics(m)
	return tb, nil
}

func runTextbookBuild(cmd *cobra.Command, _ []string) error {
	cfg, v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tb, err := openTextbook(cfg, nil)
	if err != nil {
		return err
	}
	defer tb.Close()

	build := tb.Build
	if v.GetBool("rebuild") {
		build = tb.Rebuild
	}
	if err := build(cmd.Context(), cfg.Files.Training); err != nil {
		return err
	}
	n, err := tb.Count(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "textbook %s holds %d chunks\n", cfg.Textbook.Collection, n)
	return nil
}

func runTextbookQuery(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tb, err := openTextbook(cfg, nil)
	if err != nil {
		return err
	}
	defer tb.Close()

	ctx := cmd.Context()
	if built, err := tb.Built(ctx); err != nil {
		return err
	} else if !built {
		return config.Errorf("textbook %s has not been built, run 'textbook build' first", cfg.Textbook.Collection)
	}

	results := tb.Query(ctx, []string{strings.Join(args, " ")}, cfg.Textbook.TopK)
	if len(results) == 0 {
		return fmt.Errorf("query failed, see log")
	}
	for i, p := range results[0] {
		fmt.Fprintf(cmd.OutOrStdout(), "--- %d ---\n%s\n", i+1, p)
	}
	return nil
}
