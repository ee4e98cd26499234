package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cotaudit/engine/internal/a2a"
	"github.com/cotaudit/engine/internal/store"
)

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose tree building and auditing over the A2A protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(cfg.StorePath)
			if err != nil {
				return err
			}
			defer db.Close()

			srv := a2a.NewServer(cfg, db, &a2a.ServerConfig{
				AgentName:        "cotaudit",
				AgentDescription: "Builds and audits chain-of-thought reasoning trees for math word problems",
				AgentVersion:     "0.1.0",
				Port:             port,
			})
			return srv.Start(fmt.Sprintf(":%d", port))
		},
	}

	cmd.Flags().IntVar(&port, "port", 8090, "HTTP port to listen on")
	return cmd
}
