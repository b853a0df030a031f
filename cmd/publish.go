package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein-go/pkg/wire"
)

func publishCmd() *cobra.Command {
	var (
		scope  string
		target string
	)
	cmd := &cobra.Command{
		Use:   "publish <event> [payload-json]",
		Short: "Publish a fire-and-forget event to the hub",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ""
			if len(args) == 2 {
				payload = args[1]
			}
			return runPublish(args[0], payload, scope, target)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "all", "delivery scope: all, tenant, user, flow")
	cmd.Flags().StringVar(&target, "target", "", "target identifier for tenant, user, or flow scope")
	return cmd
}

func runPublish(event, payload, scope, target string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var body any
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON: %s", payload)
		}
		body = json.RawMessage(payload)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	if err := client.Publish(event, body, wire.Scope(scope), target); err != nil {
		return err
	}
	fmt.Printf("published %s (scope %s)\n", event, scope)
	return nil
}
