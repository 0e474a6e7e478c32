package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rolegraph/rolegraph/internal/envelope"
	"github.com/rolegraph/rolegraph/internal/wsclient"
)

var (
	watchURL   string
	watchToken string
)

var watchCmd = &cobra.Command{
	Use:   "watch <roleModelId>",
	Short: "Follow a role model's live events from the terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		url := watchURL
		if url == "" {
			url = fmt.Sprintf("ws://%s:%d/api/v1/ws", cfg.BindAddress, cfg.Port)
		}

		client, err := wsclient.New(wsclient.Config{
			URL:     url,
			Topic:   args[0],
			Token:   watchToken,
			OnEvent: printEvent,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "WebSocket endpoint (default from bind and port)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "session token to connect with")
}

func printEvent(e envelope.Envelope) {
	ts := e.EmittedAt().Local().Format("15:04:05")
	if p, ok := e.Progress(); ok {
		stage := ""
		if p.Stage != "" {
			stage = " [" + p.Stage + "]"
		}
		fmt.Printf("%s  progress %3d%%%s %s\n", ts, p.Percent, stage, p.Message)
		return
	}
	if t, ok := e.Thought(); ok {
		fmt.Printf("%s  %s: %s\n", ts, t.AgentName, t.Content)
		for _, s := range t.ThinkingSteps {
			fmt.Printf("          %s. %s\n", s.Step, s.Content)
		}
		return
	}
	if d, ok := e.GraphDelta(); ok {
		names := make([]string, 0, len(d.Nodes))
		for _, n := range d.Nodes {
			names = append(names, n.Name)
		}
		fmt.Printf("%s  graph %s: %d nodes, %d edges %s\n", ts, d.UpdateKind, len(d.Nodes), len(d.Edges), strings.Join(names, ", "))
	}
}
