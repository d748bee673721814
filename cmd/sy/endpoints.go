package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/registry"
	"github.com/zulandar/switchyard/internal/store"
)

func newEndpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Inspect Ollama endpoints",
	}
	cmd.AddCommand(newEndpointsListCmd())
	return cmd
}

func newEndpointsListCmd() *cobra.Command {
	var (
		configPath string
		server     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List endpoints",
		Long: `Lists endpoints. With --server, queries a running Switchyard for live
process details (port, pid, health). Otherwise reads the endpoint records
from the database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if server != "" {
				return listLiveEndpoints(cmd, server)
			}
			return listEndpointRecords(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchyard.yaml", "path to Switchyard config file")
	cmd.Flags().StringVar(&server, "server", "", "base URL of a running Switchyard, e.g. http://localhost:3000")
	return cmd
}

func listEndpointRecords(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	st, err := store.New(store.Opts{DB: gdb})
	if err != nil {
		return err
	}
	eps, err := st.ListEndpoints(commandContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(eps) == 0 {
		fmt.Fprintln(out, "No endpoints registered.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENDPOINT\tREGISTERED")
	for _, ep := range eps {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", ep.ID, ep.Address, ep.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func listLiveEndpoints(cmd *cobra.Command, server string) error {
	ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/endpoints?verbose=1", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("query %s: status %d: %s", server, resp.StatusCode, body)
	}
	var payload struct {
		Endpoints []registry.Endpoint `json:"endpoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode endpoints: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(payload.Endpoints) == 0 {
		fmt.Fprintln(out, "No live endpoints.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tPORT\tPID\tUPTIME\tLAST SEEN\tFAILURES")
	now := time.Now()
	for _, ep := range payload.Endpoints {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%d\n",
			ep.Address, ep.Port, ep.PID,
			now.Sub(ep.StartedAt).Truncate(time.Second),
			ep.LastSeen.Format(time.RFC3339),
			ep.Failures,
		)
	}
	return tw.Flush()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
