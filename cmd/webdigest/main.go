// Package main provides the webdigest binary entry point.
// Webdigest fetches web pages and local documents, extracts their readable
// content, and streams an LLM-generated summary to stdout.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/webdigest/config"
	"github.com/c360studio/webdigest/pipeline"
)

const appName = "webdigest"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Summarize web pages and local documents",
		Long: `Webdigest fetches one or more URLs or local files, extracts their
readable content, and streams an LLM-generated summary to stdout.

Pages that refuse plain HTTP clients or require JavaScript are retried
in a pooled headless browser. Fetched content, extracted text, and
finished summaries are cached on disk between runs.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(summarizeCmd(flags))
	cmd.AddCommand(configCmd(flags))
	cmd.AddCommand(cacheCmd(flags))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, config.Version)
		},
	})

	return cmd
}

func summarizeCmd(flags *rootFlags) *cobra.Command {
	var (
		query        string
		followLinks  bool
		maxDepth     int
		forceBrowser bool
		noCache      bool
	)

	cmd := &cobra.Command{
		Use:   "summarize <url|path>...",
		Short: "Fetch targets and stream a summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}

			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			app.Start(ctx)

			stream, err := app.Summarize(ctx, pipeline.Request{
				URLs:         args,
				Query:        query,
				FollowLinks:  followLinks,
				MaxDepth:     maxDepth,
				ForceBrowser: forceBrowser,
				NoCache:      noCache,
			})
			if err != nil {
				return err
			}

			for fragment := range stream.Fragments() {
				fmt.Print(fragment)
			}
			fmt.Println()

			if err := stream.Err(); err != nil {
				// A partial summary already streamed; report the gap
				// without discarding it.
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Focus the summary on a question")
	cmd.Flags().BoolVar(&followLinks, "follow-links", false, "Also summarize same-host pages linked from the targets")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 1, "Link-following depth")
	cmd.Flags().BoolVar(&forceBrowser, "browser", false, "Render every page in the headless browser")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass cached content")

	return cmd
}

func configCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup(flags)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default user config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader(slog.Default())
			if err := loader.EnsureUserConfig(); err != nil {
				return err
			}
			fmt.Println("wrote default configuration")
			return nil
		},
	})

	return cmd
}

func cacheCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the content cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print cache entry count and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			stats := app.CacheStats()
			fmt.Printf("entries: %d\nbytes:   %d\n", stats.EntryCount, stats.TotalBytes)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			app.ClearCache()
			fmt.Println("cache cleared")
			return nil
		},
	})

	return cmd
}

// setup resolves configuration and installs the process logger.
func setup(flags *rootFlags) (*config.Config, *slog.Logger, error) {
	level := slog.LevelWarn
	switch strings.ToLower(flags.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if flags.configPath != "" {
		fileCfg, err := config.LoadFromFile(flags.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg := config.DefaultConfig()
		cfg.Merge(fileCfg)
		return cfg, logger, nil
	}

	cfg, err := config.NewLoader(logger).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger, nil
}
