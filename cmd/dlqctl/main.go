package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:          "dlqctl",
		Short:        "Inspect and replay backbone dead-letter queues",
		Version:      Version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.redisAddr, "redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	cmd.PersistentFlags().StringVar(&opts.redisPassword, "redis-password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	cmd.PersistentFlags().IntVar(&opts.redisDB, "redis-db", 0, "Redis database")

	cmd.AddCommand(listCmd(opts))
	cmd.AddCommand(drainCmd(opts))
	cmd.AddCommand(countsCmd(opts))
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
