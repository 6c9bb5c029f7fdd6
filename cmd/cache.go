package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avishj/ForexRadar-sub001/internal/cache"
	"github.com/avishj/ForexRadar-sub001/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or reset the local rate cache",
}

var cacheStatusFrom string

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version and archive refresh state per currency",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := cache.Open(ctx, cfg.Cache.Path)
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		currencies, err := parseTargets(cacheStatusFrom)
		if err != nil {
			return err
		}
		return formatCacheStatus(ctx, os.Stdout, c, currencies)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached rate and refresh timestamp",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := cache.Open(ctx, cfg.Cache.Path)
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		if err := c.Clear(ctx); err != nil {
			return eris.Wrap(err, "cache clear")
		}
		zap.L().Info("cache cleared", zap.String("path", cfg.Cache.Path))
		return nil
	},
}

func init() {
	cacheStatusCmd.Flags().StringVar(&cacheStatusFrom, "from", "USD", "comma-separated source currencies")
	cacheCmd.AddCommand(cacheStatusCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func formatCacheStatus(ctx context.Context, out io.Writer, c *cache.Cache, currencies []string) error {
	v, err := c.Version(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "SCHEMA\t%d\n", v)
	_, _ = fmt.Fprintf(w, "BOUNDARY\t%s\n", model.LastBoundary(time.Now()).Format(time.RFC3339))
	_, _ = fmt.Fprintln(w, "FROM\tLAST REFRESH\tSTALE")
	for _, from := range currencies {
		last, ok, err := c.LastRefresh(ctx, from)
		if err != nil {
			return err
		}
		stale, err := c.IsStale(ctx, from)
		if err != nil {
			return err
		}
		when := "never"
		if ok {
			when = last.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\n", from, when, stale)
	}
	return w.Flush()
}
