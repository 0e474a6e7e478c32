package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rolegraph/rolegraph/internal/graphstore"
	"github.com/rolegraph/rolegraph/internal/logger"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the configured Neo4j primary is reachable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig()
		if !cfg.HasPrimaryCredentials() {
			return fmt.Errorf("neo4j is not configured: set ROLEGRAPH_NEO4J_URI, ROLEGRAPH_NEO4J_USER and ROLEGRAPH_NEO4J_PASSWORD")
		}

		neo, err := graphstore.NewNeo4jBackend(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, cfg.Neo4jDatabase)
		if err != nil {
			return fmt.Errorf("create neo4j driver: %w", err)
		}
		defer neo.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GraphConnectTimeout)
		defer cancel()
		if err := neo.Probe(ctx); err != nil {
			return fmt.Errorf("neo4j at %s unreachable: %w", cfg.Neo4jURI, err)
		}
		logger.Success("Neo4j at %s is reachable", cfg.Neo4jURI)
		return nil
	},
}
