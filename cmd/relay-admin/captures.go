package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ngoyal88/promptrelay/pkg/storage"
	"github.com/spf13/cobra"
)

var capturesFlags struct {
	limit int
	show  string
}

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "List usage records waiting in the fallback store",
	Long: `List the newest usage records the prompt API could not accept. They stay
in Redis until replayed or until the fallback TTL expires.`,
	Args: cobra.NoArgs,
	RunE: runCaptures,
}

func init() {
	rootCmd.AddCommand(capturesCmd)

	capturesCmd.Flags().IntVarP(&capturesFlags.limit, "limit", "n", 50, "maximum number of records")
	capturesCmd.Flags().StringVar(&capturesFlags.show, "show", "", "print the full record for this key as JSON")
}

func runCaptures(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fallback, rdb, err := openFallback(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	if capturesFlags.show != "" {
		rec, err := fallback.Get(ctx, storage.UsageKey(capturesFlags.show))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	keys, err := fallback.List(ctx, capturesFlags.limit)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Println("No captures in the fallback store.")
		return nil
	}

	fmt.Printf("%-49s  %-10s  %-28s  %-12s  %s\n", "KEY", "PROVIDER", "MODEL", "STATUS", "REQUESTED")
	for _, key := range keys {
		rec, err := fallback.Get(ctx, key)
		if err != nil {
			fmt.Printf("%-49s  (%v)\n", key, err)
			continue
		}
		fmt.Printf("%-49s  %-10s  %-28s  %-12s  %s\n",
			key, rec.Provider, rec.Model, rec.Status,
			rec.RequestTimestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}
