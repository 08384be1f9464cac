package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ngoyal88/promptrelay/pkg/capture"
	"github.com/ngoyal88/promptrelay/pkg/storage"
	"github.com/spf13/cobra"
)

var replayFlags struct {
	limit int
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Send fallback usage records to the prompt API",
	Long: `Re-send usage records from the Redis fallback store to the prompt API,
newest first. Delivered records are removed; the run stops at the first
record the API refuses.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().IntVarP(&replayFlags.limit, "limit", "n", 100, "maximum number of records to replay")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fallback, rdb, err := openFallback(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	primary, err := storage.NewAPIStore(cfg.Capture.APIBaseURL, cfg.Capture.IngestPath, &http.Client{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	res, err := capture.NewReplayer(fallback, primary, cfg.Capture.PrimaryTimeout, logger).Replay(ctx, replayFlags.limit)
	fmt.Printf("Scanned: %d  Delivered: %d  Expired: %d  Failed: %d\n",
		res.Scanned, res.Delivered, res.Expired, res.Failed)
	return err
}
