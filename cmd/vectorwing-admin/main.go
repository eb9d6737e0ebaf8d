package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/josephjohncox/vectorwing/internal/checkpoint"
	"github.com/josephjohncox/vectorwing/internal/cli"
	"github.com/josephjohncox/vectorwing/internal/config"
	"github.com/josephjohncox/vectorwing/internal/vectorindex"
	"github.com/josephjohncox/vectorwing/pkg/connector"
	"github.com/spf13/cobra"
)

const cliVersion = "0.0.0-dev"

func main() {
	if err := run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	command := newAdminCommand()
	parsedArgs := []string{}
	if len(args) > 1 {
		parsedArgs = args[1:]
	}
	command.SetArgs(parsedArgs)
	return command.Execute()
}

func newAdminCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "vectorwing-admin",
		Short:        "Vectorwing admin CLI",
		Version:      cliVersion,
		SilenceUsage: true,
	}

	command.PersistentFlags().String("config", "", "path to vectorwing-admin config file")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return cli.InitViperFromCommand(cmd, cli.ViperConfig{
			EnvPrefix:    "VECTORWING_ADMIN",
			ConfigEnvVar: "VECTORWING_ADMIN_CONFIG",
			ConfigName:   "vectorwing-admin",
			ConfigType:   "yaml",
		})
	}

	checkpoints := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and reset flow checkpoints",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all committed checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckpointsList(cmd)
		},
	}
	list.Flags().Bool("json", false, "output JSON for scripting")

	get := &cobra.Command{
		Use:   "get <source-id>",
		Short: "Show the checkpoint for one source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointsGet(cmd, args[0])
		},
	}
	get.Flags().Bool("json", false, "output JSON for scripting")

	reset := &cobra.Command{
		Use:   "reset <source-id>",
		Short: "Delete the checkpoint so the flow restarts from the stream head",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointsReset(cmd, args[0])
		},
	}

	checkpoints.AddCommand(list, get, reset)

	index := &cobra.Command{
		Use:   "index",
		Short: "Query the vector index",
	}
	search := &cobra.Command{
		Use:   "search <index-name> <v1,v2,...>",
		Short: "Nearest-neighbor search against one index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexSearch(cmd, args[0], args[1])
		},
	}
	search.Flags().Int("k", 10, "number of neighbors to return")
	search.Flags().Bool("json", false, "output JSON for scripting")
	index.AddCommand(search)

	command.AddCommand(checkpoints, index)
	command.InitDefaultCompletionCmd()
	return command
}

func openStore(cmd *cobra.Command, ctx context.Context) (connector.CheckpointStore, func(), error) {
	cfg, err := config.Load(cli.ResolveStringFlag(cmd, "config"))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	switch cfg.Checkpoints.Backend {
	case "postgres":
		if cfg.Checkpoints.DSN == "" {
			return nil, nil, errors.New("VECTORWING_CHECKPOINT_DSN is required for the postgres backend")
		}
		store, err := checkpoint.NewPostgresStore(ctx, cfg.Checkpoints.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite":
		dsn := cfg.Checkpoints.DSN
		if dsn == "" {
			if cfg.Checkpoints.Path != "" {
				dsn = cfg.Checkpoints.Path
			} else {
				dsn = "vectorwing-checkpoints.db"
			}
		}
		store, err := checkpoint.NewSQLiteStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoints.Backend)
	}
}

type checkpointOutput struct {
	SourceID    string    `json:"source_id"`
	ResumeToken string    `json:"resume_token"`
	CommittedAt time.Time `json:"committed_at"`
}

func runCheckpointsList(cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	store, closeStore, err := openStore(cmd, ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	checkpoints, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		out := make([]checkpointOutput, 0, len(checkpoints))
		for _, cp := range checkpoints {
			out = append(out, checkpointOutput{
				SourceID:    cp.SourceID,
				ResumeToken: string(cp.Token),
				CommittedAt: cp.CommittedAt,
			})
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	if len(checkpoints) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	rows := make([][]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		rows = append(rows, []string{
			cp.SourceID,
			string(cp.Token),
			cp.CommittedAt.UTC().Format(time.RFC3339),
		})
	}
	renderTextTable([]string{"SOURCE", "RESUME TOKEN", "COMMITTED AT"}, rows)
	return nil
}

func runCheckpointsGet(cmd *cobra.Command, sourceID string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	store, closeStore, err := openStore(cmd, ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := store.Load(ctx, sourceID)
	if errors.Is(err, connector.ErrCheckpointNotFound) {
		return fmt.Errorf("no checkpoint for %q", sourceID)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(checkpointOutput{
			SourceID:    cp.SourceID,
			ResumeToken: string(cp.Token),
			CommittedAt: cp.CommittedAt,
		})
	}
	renderTextTable([]string{"SOURCE", "RESUME TOKEN", "COMMITTED AT"}, [][]string{{
		cp.SourceID,
		string(cp.Token),
		cp.CommittedAt.UTC().Format(time.RFC3339),
	}})
	return nil
}

func runCheckpointsReset(cmd *cobra.Command, sourceID string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	store, closeStore, err := openStore(cmd, ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Reset(ctx, sourceID); err != nil {
		return fmt.Errorf("reset checkpoint: %w", err)
	}
	fmt.Printf("Checkpoint for %s reset; the next worker run starts from the stream head.\n", sourceID)
	return nil
}

type searchOutput struct {
	DocumentID string  `json:"document_id"`
	Distance   float64 `json:"distance"`
}

func runIndexSearch(cmd *cobra.Command, indexName, vectorArg string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	cfg, err := config.Load(cli.ResolveStringFlag(cmd, "config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.VectorIndex.DSN == "" {
		return errors.New("VECTORWING_INDEX_DSN is required for index search")
	}

	query, err := parseVector(vectorArg)
	if err != nil {
		return err
	}

	index, err := vectorindex.NewPgvectorIndex(ctx, cfg.VectorIndex.DSN, cfg.VectorIndex.Dimensions, nil)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer index.Close()

	k, _ := cmd.Flags().GetInt("k")
	results, err := index.Search(ctx, indexName, query, k)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		out := make([]searchOutput, 0, len(results))
		for _, result := range results {
			out = append(out, searchOutput{DocumentID: result.DocumentID, Distance: result.Distance})
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	if len(results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	rows := make([][]string, 0, len(results))
	for _, result := range results {
		rows = append(rows, []string{
			result.DocumentID,
			strconv.FormatFloat(result.Distance, 'f', 6, 64),
		})
	}
	renderTextTable([]string{"DOCUMENT", "DISTANCE"}, rows)
	return nil
}

func parseVector(arg string) ([]float32, error) {
	parts := strings.Split(arg, ",")
	vector := make([]float32, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %q: %w", part, err)
		}
		vector = append(vector, float32(value))
	}
	if len(vector) == 0 {
		return nil, errors.New("query vector is empty")
	}
	return vector, nil
}

func renderTextTable(headers []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	header := make(table.Row, len(headers))
	for i, value := range headers {
		header[i] = value
	}
	t.AppendHeader(header)
	for _, rowValues := range rows {
		row := make(table.Row, len(rowValues))
		for i, value := range rowValues {
			row[i] = value
		}
		t.AppendRow(row)
	}
	t.Render()
}
