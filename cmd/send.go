package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein-go/pkg/hub"
	"github.com/skeinhq/skein-go/pkg/wire"
)

func sendCmd() *cobra.Command {
	var (
		timeout  time.Duration
		ttl      time.Duration
		priority string
	)
	cmd := &cobra.Command{
		Use:   "send <kind> [payload-json]",
		Short: "Send a request and print the hub's response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := ""
			if len(args) == 2 {
				payload = args[1]
			}
			return runSend(args[0], payload, timeout, ttl, priority)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-request timeout (default: client setting)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "drop the request if still queued after this long")
	cmd.Flags().StringVar(&priority, "priority", "", "message priority: low, normal, high, critical")
	return cmd
}

func runSend(kind, payload string, timeout, ttl time.Duration, priority string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var body any
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON: %s", payload)
		}
		body = json.RawMessage(payload)
	}

	tp, err := setupTelemetry(ctx)
	if err != nil {
		return err
	}
	var extra []hub.Option
	if tp != nil {
		extra = append(extra, hub.WithTracerProvider(tp.TracerProvider()))
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(flushCtx)
		}()
	}

	client, err := newClient(extra...)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	var sendOpts []hub.SendOption
	if timeout > 0 {
		sendOpts = append(sendOpts, hub.WithSendTimeout(timeout))
	}
	if ttl > 0 {
		sendOpts = append(sendOpts, hub.WithTTL(ttl))
	}
	if priority != "" {
		sendOpts = append(sendOpts, hub.WithPriority(wire.Priority(priority)))
	}

	raw, err := client.Send(ctx, wire.Kind(kind), body, sendOpts...)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
