package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/MegaGrindStone/go-mcp-client"
	"github.com/MegaGrindStone/go-mcp-client/config"
	"github.com/MegaGrindStone/go-mcp-client/connection"
	"github.com/MegaGrindStone/go-mcp-client/registry"
	"github.com/spf13/cobra"
)

func toolsCommand(settingsFile *string) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of every configured server, highest priority first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := prepare(cmd, *settingsFile)
			if err != nil {
				return err
			}
			defer h.Close()

			cfg := config.LoadWithLogger(cmd.Context(), h.store, h.ConfigKey, h.log)
			if server != "" {
				srv, ok := cfg.Server(server)
				if !ok {
					return fmt.Errorf("unknown server %q", server)
				}
				cfg.Servers = []config.ServerConfig{srv}
			}
			// A one-shot listing does not retry.
			cfg.AutoReconnect = false

			fleet, err := buildFleet(cfg, nil, h.log)
			if err != nil {
				return err
			}
			defer fleet.DisposeAll()

			ctx, cancel := context.WithTimeout(cmd.Context(), h.ConnectTimeout)
			defer cancel()
			connectAll(ctx, fleet, h.log)
			return listTools(ctx, cmd.OutOrStdout(), fleet)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "only list the tools of this server")
	return cmd
}

func listTools(ctx context.Context, out io.Writer, fleet *registry.Registry) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
	for _, s := range fleet.ListByPriority() {
		if s.State() != connection.StateConnected {
			fmt.Fprintf(w, "%s\t-\t%s\n", s.ID(), s.State())
			continue
		}
		tools, err := allTools(ctx, s)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%v\n", s.ID(), err)
			continue
		}
		for _, tool := range tools {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID(), tool.Name, tool.Description)
		}
	}
	return w.Flush()
}

func allTools(ctx context.Context, s *connection.Session) ([]mcp.Tool, error) {
	var (
		tools  []mcp.Tool
		cursor string
	)
	for {
		res, err := s.ListTools(ctx, mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}
