package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/FeedSync/internal/collect"
	"github.com/TobiSchelling/FeedSync/internal/config"
	"github.com/TobiSchelling/FeedSync/internal/database"
	"github.com/TobiSchelling/FeedSync/internal/logging"
	"github.com/TobiSchelling/FeedSync/internal/runlock"
	"github.com/TobiSchelling/FeedSync/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "feedsync",
	Short:        "Sync news feeds into an enriched article store",
	Long:         "FeedSync fetches syndication feeds, translates and summarizes new or stale items with an LLM, and upserts them into a shared article store.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logging.Init(os.Stderr, "info", verbose)
			return nil
		}

		if err := config.LoadEnv(".env"); err != nil {
			return err
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		logging.Init(os.Stderr, cfg.Logging.Level, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(runsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("feedsync", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/feedsync/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure feeds, the LLM provider and the article store.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n", db.Path())
		fmt.Printf("Article store: %s\n\n", cfg.Store.Driver)
		fmt.Println("Articles:")
		fmt.Printf("  Total: %d\n", stats.TotalArticles)
		fmt.Printf("  Enriched: %d\n", stats.EnrichedArticles)
		fmt.Printf("  Sources with articles: %d\n", stats.Sources)
		fmt.Println("\nSources:")
		fmt.Printf("  Configured: %d\n", len(cfg.Sources))
		fmt.Printf("  Custom: %d (%d active)\n", stats.TotalCustomSources, stats.ActiveCustomSources)
		fmt.Println("\nRuns:")
		fmt.Printf("  Total: %d\n", stats.SyncRuns)
		if stats.LastRunAt != nil {
			fmt.Printf("  Last run: %s\n", *stats.LastRunAt)
		}
		return nil
	},
}

// --- sync command ---

var (
	dryRun     bool
	requester  string
	jsonOutput bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync: fetch -> classify -> enrich -> persist",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, !dryRun)
		if err != nil {
			return err
		}
		defer a.Close()

		sources, err := a.sources(ctx)
		if err != nil {
			return err
		}

		if dryRun {
			plan, err := a.syncer.DryRun(ctx, sources)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(plan)
			}
			fmt.Printf("[dry-run] %d sources, %d items, %d would be enriched\n", len(plan.Sources), plan.TotalItems, plan.ToEnrich)
			for _, sp := range plan.Sources {
				switch {
				case sp.Skipped:
					fmt.Printf("  %s: skipped (unsupported URL)\n", sp.Name)
				case sp.Error != "":
					fmt.Printf("  %s: error: %s\n", sp.Name, sp.Error)
				default:
					fmt.Printf("  %s: %d items, %d to enrich %v\n", sp.Name, sp.Items, sp.ToEnrich, sp.Reasons)
				}
			}
			return nil
		}

		sum, err := a.syncer.Run(ctx, sources, requester)
		if errors.Is(err, runlock.ErrLocked) {
			return fmt.Errorf("sync not started: %w", err)
		}
		if err != nil && sum == nil {
			return err
		}
		if jsonOutput {
			if perr := printJSON(sum); perr != nil {
				return perr
			}
			return err
		}

		fmt.Println("\nSync complete:")
		fmt.Printf("  Sources processed: %d/%d\n", sum.ProcessedSources, len(sources))
		fmt.Printf("  Added: %d\n", sum.AddedCount)
		fmt.Printf("  Updated: %d\n", sum.UpdatedCount)
		fmt.Printf("  Skipped: %d\n", sum.SkippedCount)
		if len(sum.Errors) > 0 {
			fmt.Println("\nErrors:")
			for _, e := range sum.Errors {
				fmt.Printf("  %s\n", e)
			}
		}
		return err
	},
}

func init() {
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Fetch and classify without enriching or writing")
	syncCmd.Flags().StringVar(&requester, "requester", "cli", "Identity recorded with the run")
	syncCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the run summary as JSON")
}

// --- serve command ---

var (
	servePort     int
	serveInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server with the sync trigger and article API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		interval := cfg.Server.SyncInterval
		if cmd.Flags().Changed("interval") {
			interval = serveInterval
		}
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(a.db, server.Options{
			Syncer:   a.syncer,
			Sources:  a.sources,
			Articles: a.articles,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(ctx, srv, fmt.Sprintf("127.0.0.1:%d", port), interval)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "Also sync on this interval, e.g. 30m")
}

// --- sources command ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage custom feed sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured and custom sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		fmt.Println("Configured sources:")
		for _, s := range cfg.Sources {
			fmt.Printf("  %-20s %-10s %s\n", s.Name, s.Category, s.URL)
		}

		custom, err := db.GetAllCustomSources(cmd.Context())
		if err != nil {
			return err
		}
		if len(custom) == 0 {
			fmt.Println("\nNo custom sources. Add one with: feedsync sources add [name] [url]")
			return nil
		}

		active := lo.CountBy(custom, func(s database.CustomSource) bool { return s.IsActive })
		fmt.Printf("\nCustom sources (%d active):\n", active)
		for _, s := range custom {
			icon := " "
			if s.IsActive {
				icon = "*"
			}
			fmt.Printf("  [%d] %s %-20s %s\n", s.ID, icon, s.Name, s.URL)
		}
		return nil
	},
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add [name] [url]",
	Short: "Add a custom feed source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, url := args[0], args[1]
		if !collect.IsHTTPURL(url) {
			return fmt.Errorf("feed URL must be http or https: %s", url)
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.InsertCustomSource(cmd.Context(), name, url)
		if errors.Is(err, database.ErrDuplicate) {
			return fmt.Errorf("a custom source with URL %s already exists", url)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Added source [%d]: %s\n", id, name)
		return nil
	},
}

var sourcesRemoveCmd = &cobra.Command{
	Use:   "remove [id]",
	Short: "Remove a custom feed source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, src, err := lookupCustomSource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteCustomSource(cmd.Context(), src.ID); err != nil {
			return err
		}
		fmt.Printf("Removed source [%d]: %s\n", src.ID, src.Name)
		return nil
	},
}

var sourcesToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a custom source's active state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, src, err := lookupCustomSource(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.ToggleCustomSource(cmd.Context(), src.ID); err != nil {
			return err
		}
		newState := "disabled"
		if !src.IsActive {
			newState = "enabled"
		}
		fmt.Printf("Source [%d] %s: %s\n", src.ID, src.Name, newState)
		return nil
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesRemoveCmd)
	sourcesCmd.AddCommand(sourcesToggleCmd)
}

// lookupCustomSource opens the database and loads the source with the given ID.
// The caller closes the database.
func lookupCustomSource(ctx context.Context, rawID string) (*database.DB, *database.CustomSource, error) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid source ID: %s", rawID)
	}

	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	src, err := db.GetCustomSource(ctx, id)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if src == nil {
		db.Close()
		return nil, nil, fmt.Errorf("source %d not found", id)
	}
	return db, src, nil
}

// --- articles and runs commands ---

var (
	articleSource   string
	articleCategory string
	articlesLimit   int
	runsLimit       int
)

var articlesCmd = &cobra.Command{
	Use:   "articles",
	Short: "List stored articles, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := newStore(cmd.Context(), db)
		if err != nil {
			return err
		}
		articles, err := store.ListArticles(cmd.Context(), database.ArticleFilter{
			SourceName: articleSource,
			Category:   articleCategory,
			Limit:      uint64(max(articlesLimit, 1)),
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(articles)
		}
		if len(articles) == 0 {
			fmt.Println("No articles. Run: feedsync sync")
			return nil
		}
		for _, a := range articles {
			fmt.Printf("[%d] %s  (%s, %s)\n", a.ID, a.Title, a.SourceName, a.PublishedAt.Local().Format("2006-01-02 15:04"))
			fmt.Printf("      %s\n", a.OriginalTitle)
			fmt.Printf("      %s\n", a.DedupKey)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListSyncRuns(cmd.Context(), max(runsLimit, 1))
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(runs)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-22s added=%d updated=%d skipped=%d sources=%d/%d",
				r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status,
				r.AddedCount, r.UpdatedCount, r.SkippedCount, r.ProcessedSources, r.SourceCount)
			if r.Requester != "" {
				fmt.Printf(" by %s", r.Requester)
			}
			fmt.Println()
			for _, e := range r.Errors {
				fmt.Printf("    %s\n", e)
			}
		}
		return nil
	},
}

func init() {
	articlesCmd.Flags().StringVar(&articleSource, "source", "", "Only articles from this source")
	articlesCmd.Flags().StringVar(&articleCategory, "category", "", "Only articles in this category")
	articlesCmd.Flags().IntVarP(&articlesLimit, "limit", "n", 20, "Maximum number of entries")
	articlesCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 10, "Maximum number of entries")
	runsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print as JSON")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "feedsync.db")
	return database.Open(dbPath)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
