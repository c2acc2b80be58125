package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/manabi"
)

// opener builds an App for a command. Tests replace it.
type opener func(ctx context.Context) (engine, error)

// engine is the part of *manabi.App the commands use.
type engine interface {
	Run(ctx context.Context, in io.Reader, out io.Writer) error
	Watch(ctx context.Context, settle time.Duration) error
	Shutdown(ctx context.Context) error
	Migrate(ctx context.Context) ([]string, error)
	CreateKnowledgeBase(ctx context.Context, name string, fields map[string]string, tools []string) (manabi.KnowledgeBase, error)
	CreateLearningEvents(ctx context.Context, req manabi.CreateRequest) (manabi.CreateResult, error)
	Ingest(ctx context.Context, kbID uuid.UUID, sourceType, sourceID, data string, triggeredBy *string) (manabi.CreateResult, error)
	ApplyLearningEvents(ctx context.Context, req manabi.ApplyRequest) (manabi.ApplyResult, error)
	ApplyAll(ctx context.Context, req manabi.ApplyRequest) (map[uuid.UUID]manabi.ApplyResult, error)
	Reconstruct(ctx context.Context, id uuid.UUID) (manabi.Reconstruction, error)
	Status(ctx context.Context, id uuid.UUID) (manabi.Status, error)
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	open := func(ctx context.Context) (engine, error) {
		return manabi.New(ctx,
			manabi.WithLogger(logger),
			manabi.WithVersion(version),
			manabi.WithoutEnvFile(),
		)
	}
	return buildRootCmd(open)
}

func buildRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "manabi",
		Short: "Learning event engine for client knowledge bases",
		Long: `manabi records insights about a client as learning events and folds
confident, non-duplicate events into the client's knowledge base.

Configuration is read from the environment (and .env when present).
DATABASE_URL is required; see the README for the full list.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		serveCmd(open),
		watchCmd(open),
		migrateCmd(open),
		createKBCmd(open),
		createEventsCmd(open),
		ingestCmd(open),
		applyCmd(open),
		applyAllCmd(open),
		statusCmd(open),
		reconstructCmd(open),
	)
	return root
}

// withEngine opens an engine, runs fn and shuts the engine down.
func withEngine(cmd *cobra.Command, open opener, fn func(ctx context.Context, e engine) error) error {
	ctx := cmd.Context()
	e, err := open(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, e)
	if err := e.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func serveCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			// Run shuts the engine down itself.
			return e.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func watchCmd(open opener) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Apply pending events as they are created",
		Long: `Listen for new learning events (requires NOTIFY_URL) and apply them to
their knowledge base once notifications have been quiet for --settle.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				return e.Watch(ctx, settle)
			})
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", manabi.DefaultSettle, "quiet period before applying a knowledge base")
	return cmd
}

func migrateCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				applied, err := e.Migrate(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"applied_migrations": applied})
			})
		},
	}
}

func createKBCmd(open opener) *cobra.Command {
	var (
		name   string
		fields []string
		tools  []string
	)
	cmd := &cobra.Command{
		Use:   "create-kb",
		Short: "Create a knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, err := parseFields(fields)
			if err != nil {
				return err
			}
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				kb, err := e.CreateKnowledgeBase(ctx, name, seed, tools)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), kb)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringArrayVar(&fields, "field", nil, "seed field as key=value (repeatable)")
	cmd.Flags().StringSliceVar(&tools, "tool", nil, "seed tool stack entry (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// sourceFlags are shared by create and ingest.
type sourceFlags struct {
	kb          string
	sourceType  string
	sourceID    string
	file        string
	triggeredBy string
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kb, "kb", "", "knowledge base id")
	cmd.Flags().StringVar(&f.sourceType, "source-type", "manual", "document, conversation, report, website or manual")
	cmd.Flags().StringVar(&f.sourceID, "source-id", "", "identifier of the source")
	cmd.Flags().StringVarP(&f.file, "file", "f", "-", "input file, - for stdin")
	cmd.Flags().StringVar(&f.triggeredBy, "triggered-by", "", "who or what produced the input")
	_ = cmd.MarkFlagRequired("kb")
}

func (f *sourceFlags) trigger() *string {
	if f.triggeredBy == "" {
		return nil
	}
	return &f.triggeredBy
}

func createEventsCmd(open opener) *cobra.Command {
	var f sourceFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record insights as learning events",
		Long: `Read a JSON array of insights, for example
[{"insight": "Uses Slack for client comms", "category": "workflow_patterns", "confidence": 85}]
and record them as pending learning events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kbID, err := parseKnowledgeBaseID(f.kb)
			if err != nil {
				return err
			}
			data, err := readInput(cmd.InOrStdin(), f.file)
			if err != nil {
				return err
			}
			var insights []manabi.Insight
			if err := json.Unmarshal(data, &insights); err != nil {
				return fmt.Errorf("parse insights: %w", err)
			}
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				res, err := e.CreateLearningEvents(ctx, manabi.CreateRequest{
					KnowledgeBaseID: kbID,
					SourceType:      f.sourceType,
					SourceID:        f.sourceID,
					Insights:        insights,
					TriggeredBy:     f.trigger(),
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func ingestCmd(open opener) *cobra.Command {
	var f sourceFlags
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Extract insights from raw source data and record them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kbID, err := parseKnowledgeBaseID(f.kb)
			if err != nil {
				return err
			}
			data, err := readInput(cmd.InOrStdin(), f.file)
			if err != nil {
				return err
			}
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				res, err := e.Ingest(ctx, kbID, f.sourceType, f.sourceID, string(data), f.trigger())
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f.register(cmd)
	return cmd
}

func applyFlags(cmd *cobra.Command, req *manabi.ApplyRequest) {
	cmd.Flags().IntVar(&req.MinConfidence, "min-confidence", 0, "confidence threshold (default from MANABI_MIN_CONFIDENCE)")
	cmd.Flags().IntVar(&req.BatchSize, "batch-size", 0, "events per page (default from MANABI_BATCH_SIZE)")
}

func applyCmd(open opener) *cobra.Command {
	var (
		kb  string
		req manabi.ApplyRequest
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply pending events to a knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kbID, err := parseKnowledgeBaseID(kb)
			if err != nil {
				return err
			}
			req.KnowledgeBaseID = kbID
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				res, err := e.ApplyLearningEvents(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&kb, "kb", "", "knowledge base id")
	_ = cmd.MarkFlagRequired("kb")
	applyFlags(cmd, &req)
	return cmd
}

func applyAllCmd(open opener) *cobra.Command {
	var req manabi.ApplyRequest
	cmd := &cobra.Command{
		Use:   "apply-all",
		Short: "Apply pending events to every knowledge base that has some",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				results, err := e.ApplyAll(ctx, req)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
				if failed := countFailed(results); failed > 0 {
					return fmt.Errorf("apply failed for %d of %d knowledge bases", failed, len(results))
				}
				return nil
			})
		},
	}
	applyFlags(cmd, &req)
	return cmd
}

func statusCmd(open opener) *cobra.Command {
	var kb string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a knowledge base's versions and event counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kbID, err := parseKnowledgeBaseID(kb)
			if err != nil {
				return err
			}
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				st, err := e.Status(ctx, kbID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	cmd.Flags().StringVar(&kb, "kb", "", "knowledge base id")
	_ = cmd.MarkFlagRequired("kb")
	return cmd
}

func reconstructCmd(open opener) *cobra.Command {
	var kb string
	cmd := &cobra.Command{
		Use:     "reconstruct",
		Aliases: []string{"replay"},
		Short:   "Rebuild a knowledge base from its applied events",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kbID, err := parseKnowledgeBaseID(kb)
			if err != nil {
				return err
			}
			return withEngine(cmd, open, func(ctx context.Context, e engine) error {
				r, err := e.Reconstruct(ctx, kbID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), r)
			})
		},
	}
	cmd.Flags().StringVar(&kb, "kb", "", "knowledge base id")
	_ = cmd.MarkFlagRequired("kb")
	return cmd
}

func parseKnowledgeBaseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid knowledge base id %q: %w", s, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("knowledge base id must not be the nil uuid")
	}
	return id, nil
}

// parseFields turns key=value pairs into a map. Later pairs win.
func parseFields(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --field %q: want key=value", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func countFailed(results map[uuid.UUID]manabi.ApplyResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
