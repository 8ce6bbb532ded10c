package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"BookRanker/internal/app"
	"BookRanker/internal/config"
	"BookRanker/internal/domain"
	"BookRanker/internal/logging"
)

// commandDeps holds what every subcommand needs to build the application.
type commandDeps struct {
	LoadConfig func(path string) (config.Config, error)
	NewLogger  func(cfg config.LoggingConfig) *slog.Logger
	Out        io.Writer
}

func defaultDeps() *commandDeps {
	return &commandDeps{
		LoadConfig: loadConfig,
		NewLogger: func(cfg config.LoggingConfig) *slog.Logger {
			return logging.New(os.Stderr, cfg.Level, cfg.Format)
		},
		Out: os.Stdout,
	}
}

// loadConfig reads path when given and otherwise falls back to BOOKRANKER_CONFIG.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Load(), nil
	}
	return config.LoadFile(path)
}

type rootFlags struct {
	configPath string
	driver     string
	output     string
}

func newRootCommand(deps *commandDeps) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "bookranker",
		Short:         "Rank books by how often technical articles recommend them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML config (overrides BOOKRANKER_CONFIG)")
	cmd.PersistentFlags().StringVar(&flags.driver, "driver", "", "Storage driver override: postgres or memory")
	cmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "Output format: text or json")

	cmd.AddCommand(
		newRunCommand(deps, flags),
		newIngestCommand(deps, flags),
		newCollectCommand(deps, flags),
		newRankCommand(deps, flags),
		newRecomputeCommand(deps, flags),
		newTagsCommand(deps, flags),
		newYearsCommand(deps, flags),
		newBookCommand(deps, flags),
		newMigrateCommand(deps, flags),
	)
	return cmd
}

// withApp builds the application, runs fn and releases it.
func withApp(ctx context.Context, deps *commandDeps, flags *rootFlags, fn func(*app.Application) error) error {
	cfg, err := deps.LoadConfig(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.driver != "" {
		cfg.Database.Driver = strings.ToLower(flags.driver)
	}

	application, err := app.New(ctx, cfg, deps.NewLogger(cfg.Logging))
	if err != nil {
		return err
	}
	defer application.Close()
	return fn(application)
}

func newRunCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run scheduled collection with the metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				return a.Run(cmd.Context())
			})
		},
	}
}

func newIngestCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <articles.json>",
		Short: "Ingest a JSON array of raw articles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				report, err := a.IngestFile(cmd.Context(), args[0])
				if printErr := printReport(deps.Out, flags.output, report); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func newCollectCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run one collection cycle against the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				report, err := a.CollectOnce(cmd.Context())
				if printErr := printReport(deps.Out, flags.output, report); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func newRankCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	var (
		filter domain.RankingFilter
		tags   string
	)

	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Print the book ranking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tags != "" {
				filter.Tags = strings.Split(tags, ",")
			}
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				res, err := a.Ranking().GetRanking(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if flags.output == "json" {
					return writeJSON(deps.Out, res)
				}

				w := tabwriter.NewWriter(deps.Out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RANK\tSCORE\tUSERS\tLIKES\tIDENTIFIER\tTITLE\tNEW")
				for _, item := range res.Rankings {
					isNew := ""
					if item.IsNew {
						isNew = "NEW"
					}
					fmt.Fprintf(w, "%d\t%.3f\t%d\t%d\t%s\t%s\t%s\n", item.Rank, item.Score,
						item.Stats.UniqueUserCount, item.Stats.TotalLikes, item.Book.Identifier, item.Book.Title, isNew)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(deps.Out, "\n%d of %d books (offset %d, formula %s)\n", len(res.Rankings), res.Total, res.Offset, res.Formula)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&tags, "tags", "", "Comma-separated article tags (any match)")
	cmd.Flags().IntVar(&filter.DateRange.Days, "days", 0, "Rolling window in days")
	cmd.Flags().IntVar(&filter.DateRange.Year, "year", 0, "Calendar year")
	cmd.Flags().IntVar(&filter.DateRange.Month, "month", 0, "Calendar month (requires --year)")
	cmd.Flags().StringVarP(&filter.SearchTerm, "search", "s", "", "Case-insensitive match on title, author, publisher or identifier")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "l", 0, "Page size (default from config)")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Page offset")
	cmd.Flags().StringVar((*string)(&filter.Formula), "formula", "", "Scoring formula: quality, simple or weighted")
	return cmd
}

func newRecomputeCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <book-id>...",
		Short: "Rebuild denormalized statistics of the given books",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid book id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				if err := a.Ingestion().RecomputeStatistics(cmd.Context(), ids); err != nil {
					return err
				}
				a.Ranking().ClearCache()
				fmt.Fprintln(deps.Out, "statistics recomputed")
				return nil
			})
		},
	}
}

func newTagsCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List article tags with the number of books they mention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				tags, err := a.Ranking().GetAllTags(cmd.Context())
				if err != nil {
					return err
				}
				if flags.output == "json" {
					return writeJSON(deps.Out, tags)
				}
				w := tabwriter.NewWriter(deps.Out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TAG\tBOOKS")
				for _, tag := range tags {
					fmt.Fprintf(w, "%s\t%d\n", tag.Tag, tag.BookCount)
				}
				return w.Flush()
			})
		},
	}
}

func newYearsCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "years",
		Short: "List calendar years with at least one mention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				years, err := a.Ranking().GetAvailableYears(cmd.Context())
				if err != nil {
					return err
				}
				if flags.output == "json" {
					return writeJSON(deps.Out, years)
				}
				for _, y := range years {
					fmt.Fprintln(deps.Out, y)
				}
				return nil
			})
		},
	}
}

func newBookCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "book <identifier>",
		Short: "Show a book with every article that mentions it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				detail, err := a.Ranking().GetBookDetail(cmd.Context(), strings.ToUpper(strings.TrimSpace(args[0])))
				if err != nil {
					return err
				}
				if flags.output == "json" {
					return writeJSON(deps.Out, detail)
				}
				b := detail.Book
				fmt.Fprintf(deps.Out, "%s\n  identifier: %s\n  author:     %s\n  publisher:  %s\n  mentions:   %d\n  buy:        %s\n\n",
					b.Title, b.Identifier, b.Author, b.Publisher, b.TotalMentions, b.PurchaseURL)
				w := tabwriter.NewWriter(deps.Out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "LIKES\tPUBLISHED\tAUTHOR\tTITLE")
				for _, art := range detail.Articles {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", art.Likes, art.PublishedAt.Format("2006-01-02"), art.AuthorID, art.Title)
				}
				return w.Flush()
			})
		},
	}
}

func newMigrateCommand(deps *commandDeps, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), deps, flags, func(a *app.Application) error {
				if err := a.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(deps.Out, "schema is up to date")
				return nil
			})
		},
	}
}

func printReport(out io.Writer, format string, report domain.IngestReport) error {
	if format == "json" {
		return writeJSON(out, report)
	}
	fmt.Fprintf(out, "run %s: %d received, %d processed, %d books created, %d mentions created, %d failed\n",
		report.RunID, report.ArticlesReceived, report.ArticlesProcessed, report.BooksCreated,
		report.MentionsCreated, len(report.Failures))
	for _, f := range report.Failures {
		fmt.Fprintf(out, "  %s\n", f.Error())
	}
	if report.Cancelled {
		fmt.Fprintln(out, "  cancelled before the batch completed")
	}
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
