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

	"github.com/skeinhq/skein-go/internal/config"
	"github.com/skeinhq/skein-go/internal/logging"
	"github.com/skeinhq/skein-go/pkg/hub"
	"github.com/skeinhq/skein-go/pkg/wire"
)

func listenCmd() *cobra.Command {
	var (
		all    bool
		pretty bool
		scope  string
		target string
	)
	cmd := &cobra.Command{
		Use:   "listen [event...]",
		Short: "Subscribe to events and print envelopes as JSON lines",
		Long: `Listen subscribes to the named event types and prints each
delivered envelope to stdout, one JSON document per line. The
session stays up across connection drops; lifecycle transitions
are logged to stderr.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name at least one event or pass --all")
			}
			return runListen(args, all, pretty, scope, target)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "print every envelope instead of subscribing to named events")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent printed envelopes")
	cmd.Flags().StringVar(&scope, "scope", "", "narrow subscriptions: tenant, user, or flow")
	cmd.Flags().StringVar(&target, "target", "", "target identifier for the scope")
	return cmd
}

func runListen(events []string, all, pretty bool, scope, target string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	log := logging.Get()
	failed := make(chan error, 1)
	removeLifecycle := client.OnLifecycle(func(ev hub.LifecycleEvent) {
		switch ev.Kind {
		case hub.LifecycleConnected:
			log.Info("connected", "session", client.SessionID())
		case hub.LifecycleDisconnected:
			if ev.Err != nil {
				log.Warn("connection lost", "error", ev.Err)
			}
		case hub.LifecycleReconnecting:
			log.Info("reconnecting", "attempt", ev.Attempt, "delay", ev.Delay)
		case hub.LifecycleReconnectExhausted:
			select {
			case failed <- hub.ErrReconnectExhausted:
			default:
			}
		}
	})
	defer removeLifecycle()

	printEnv := func(env *wire.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		if pretty {
			var out bytes.Buffer
			if json.Indent(&out, data, "", "  ") == nil {
				data = out.Bytes()
			}
		}
		fmt.Println(string(data))
	}

	if all {
		remove := client.OnEnvelope(printEnv)
		defer remove()
	}
	var subOpts []hub.SubscribeOption
	if scope != "" {
		subOpts = append(subOpts, hub.WithScope(wire.Scope(scope), target))
	}
	for _, event := range events {
		opts := append(subOpts, hub.OnSubscribeError(func(serr *hub.SubscriptionError) {
			log.Warn("subscription rejected", "event", event, "code", serr.Code, "reason", serr.Reason)
		}))
		sub, err := client.Subscribe(event, printEnv, opts...)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	// Re-apply the log level when the config file changes, so a running
	// session can be switched to debug without restarting.
	if path := resolveConfigPath(); configPath != "" || fileExists(path) {
		watcher, err := config.NewWatcher(path)
		if err != nil {
			log.Warn("config watcher unavailable", "error", err)
		} else {
			watcher.OnChange(func(next *config.Config) {
				if logLevel == "" {
					logging.SetLevel(next.Log.Level)
				}
			})
			if err := watcher.Start(); err != nil {
				log.Warn("config watcher failed to start", "path", path, "error", err)
			} else {
				defer watcher.Stop()
			}
		}
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	log.Info("listening", "events", events, "all", all)
	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
