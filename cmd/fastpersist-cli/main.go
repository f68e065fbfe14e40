package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"fastpersist/internal/config"
	"fastpersist/internal/engine"
)

var (
	cohortFlag  string
	baseDirFlag string
)

var rootCmd = &cobra.Command{
	Use:   "fastpersist-cli",
	Short: "Administration CLI for the fastpersist storage engine",
	Long:  `A command-line interface for driving and inspecting a fastpersist dated or collection engine directly.`,
}

var datedCmd = &cobra.Command{
	Use:   "dated",
	Short: "Operate on the dated engine ((key, process_name) -> data)",
}

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Operate on the collection engine ((key, collection, item) -> data)",
}

func loadConfig() config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if baseDirFlag != "" {
		cfg.BaseDir = baseDirFlag
	}
	return *cfg
}

func parseData(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		log.Fatalf("parse --data: %v", err)
	}
	return data
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshal output: %v", err)
	}
	fmt.Println(string(out))
}

var (
	datedKey         string
	datedProcessName string
	datedData        string
)

var datedStoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Store a (key, process_name) record",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenDated(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open dated engine: %v", err)
		}
		defer e.Close(ctx)

		var proc *string
		if cmd.Flags().Changed("process-name") {
			proc = &datedProcessName
		}
		if err := e.Store(ctx, datedKey, proc, parseData(datedData)); err != nil {
			log.Fatalf("store: %v", err)
		}
		fmt.Println("stored")
	},
}

var datedGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Fetch a (key, process_name) record",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenDated(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open dated engine: %v", err)
		}
		defer e.Close(ctx)

		var got map[string]interface{}
		var ok bool
		if cmd.Flags().Changed("process-name") {
			got, ok = e.GetKeyProcess(datedKey, &datedProcessName)
		} else {
			got, ok = e.GetKey(datedKey)
		}
		if !ok {
			fmt.Println("not found")
			os.Exit(1)
		}
		printJSON(got)
	},
}

var datedFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Force a synchronous flush of pending dated writes",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenDated(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open dated engine: %v", err)
		}
		defer e.Close(ctx)
		if err := e.Flush(ctx); err != nil {
			log.Fatalf("flush: %v", err)
		}
		fmt.Println("flushed")
	},
}

var datedStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show dated engine diagnostics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenDated(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open dated engine: %v", err)
		}
		defer e.Close(ctx)
		printJSON(e.Stats())
	},
}

var (
	collKey        string
	collName       string
	collItem       string
	collData       string
	rebuildCohort  string
)

var collectionStoreCmd = &cobra.Command{
	Use:   "store",
	Short: "Store a (key, collection, item) record",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenCollection(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open collection engine: %v", err)
		}
		defer e.Close(ctx)
		if err := e.Store(ctx, collKey, collName, collItem, parseData(collData)); err != nil {
			log.Fatalf("store: %v", err)
		}
		fmt.Println("stored")
	},
}

var collectionGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Fetch a (key, collection, item) record, or every item in a collection if --item is omitted",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenCollection(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open collection engine: %v", err)
		}
		defer e.Close(ctx)

		if collItem == "" {
			items, ok := e.GetKey(collKey, collName)
			if !ok {
				fmt.Println("not found")
				os.Exit(1)
			}
			printJSON(items)
			return
		}
		got, ok := e.GetItem(collKey, collName, collItem)
		if !ok {
			fmt.Println("not found")
			os.Exit(1)
		}
		printJSON(got)
	},
}

var collectionFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Force a synchronous flush of pending collection writes",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenCollection(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open collection engine: %v", err)
		}
		defer e.Close(ctx)
		if err := e.Flush(ctx); err != nil {
			log.Fatalf("flush: %v", err)
		}
		fmt.Println("flushed")
	},
}

var collectionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show collection engine diagnostics",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenCollection(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open collection engine: %v", err)
		}
		defer e.Close(ctx)
		printJSON(e.Stats())
	},
}

var rebuildHistoryCmd = &cobra.Command{
	Use:   "rebuild-history",
	Short: "Replay one cohort's WAL directly into storage_history, bypassing the cache",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenCollection(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open collection engine: %v", err)
		}
		defer e.Close(ctx)
		target := rebuildCohort
		if target == "" {
			target = cohortFlag
		}
		if err := e.RebuildHistoryFromWAL(ctx, target); err != nil {
			log.Fatalf("rebuild-history: %v", err)
		}
		fmt.Println("history rebuilt from WAL for cohort", target)
	},
}

var rebuildLatestCmd = &cobra.Command{
	Use:   "rebuild-latest",
	Short: "Recompute storage_latest from the full storage_history table",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		e, err := engine.OpenCollection(loadConfig(), cohortFlag)
		if err != nil {
			log.Fatalf("open collection engine: %v", err)
		}
		defer e.Close(ctx)
		if err := e.RebuildLatestFromHistory(ctx); err != nil {
			log.Fatalf("rebuild-latest: %v", err)
		}
		fmt.Println("latest rebuilt from history")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cohortFlag, "cohort", "", "cohort date (YYYY-MM-DD), defaults to today")
	rootCmd.PersistentFlags().StringVar(&baseDirFlag, "base-dir", "", "overrides FASTPERSIST_BASE_DIR")

	datedStoreCmd.Flags().StringVar(&datedKey, "key", "", "record key (required)")
	datedStoreCmd.Flags().StringVar(&datedProcessName, "process-name", "", "process name (distinct from unset)")
	datedStoreCmd.Flags().StringVar(&datedData, "data", "{}", "JSON payload")
	datedStoreCmd.MarkFlagRequired("key")

	datedGetCmd.Flags().StringVar(&datedKey, "key", "", "record key (required)")
	datedGetCmd.Flags().StringVar(&datedProcessName, "process-name", "", "process name (distinct from unset)")
	datedGetCmd.MarkFlagRequired("key")

	datedCmd.AddCommand(datedStoreCmd, datedGetCmd, datedFlushCmd, datedStatsCmd)

	collectionStoreCmd.Flags().StringVar(&collKey, "key", "", "record key (required)")
	collectionStoreCmd.Flags().StringVar(&collName, "collection", "", "collection name (required)")
	collectionStoreCmd.Flags().StringVar(&collItem, "item", "", "item name (required)")
	collectionStoreCmd.Flags().StringVar(&collData, "data", "{}", "JSON payload")
	collectionStoreCmd.MarkFlagRequired("key")
	collectionStoreCmd.MarkFlagRequired("collection")
	collectionStoreCmd.MarkFlagRequired("item")

	collectionGetCmd.Flags().StringVar(&collKey, "key", "", "record key (required)")
	collectionGetCmd.Flags().StringVar(&collName, "collection", "", "collection name (required)")
	collectionGetCmd.Flags().StringVar(&collItem, "item", "", "item name (omit to fetch the whole collection)")
	collectionGetCmd.MarkFlagRequired("key")
	collectionGetCmd.MarkFlagRequired("collection")

	rebuildHistoryCmd.Flags().StringVar(&rebuildCohort, "source-cohort", "", "cohort whose WAL to replay (defaults to --cohort)")

	collectionCmd.AddCommand(collectionStoreCmd, collectionGetCmd, collectionFlushCmd, collectionStatsCmd, rebuildHistoryCmd, rebuildLatestCmd)

	rootCmd.AddCommand(datedCmd, collectionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
