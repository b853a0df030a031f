package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/skeinhq/skein-go/pkg/hub"
	"github.com/skeinhq/skein-go/pkg/wire"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and hub reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor()
		},
	}
}

func runDoctor() error {
	fmt.Println("skein doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", version, wire.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	path := resolveConfigPath()
	fmt.Printf("  Config:   %s", path)
	if _, err := os.Stat(path); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}
	fmt.Printf("  Hub URL:  %s\n", valueOrUnset(cfg.Hub.URL))
	fmt.Printf("  Token:    %s\n", secretStatus(cfg.Hub.Token))
	if cfg.Telemetry.Endpoint != "" {
		proto := cfg.Telemetry.Protocol
		if proto == "" {
			proto = "grpc"
		}
		fmt.Printf("  OTLP:     %s (%s)\n", cfg.Telemetry.Endpoint, proto)
	}
	fmt.Println()

	if cfg.Hub.URL == "" {
		fmt.Println("  Hub check skipped: no URL configured.")
		return nil
	}

	// Short heartbeat interval so a latency sample shows up quickly.
	client, err := newClient(hub.WithoutReconnect(), hub.WithHeartbeatInterval(time.Second))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := client.Connect(ctx); err != nil {
		fmt.Printf("  Hub:      UNREACHABLE (%v)\n", err)
		return nil
	}
	defer client.Disconnect()
	fmt.Printf("  Hub:      CONNECTED in %s\n", time.Since(start).Round(time.Millisecond))

	// The session id and the first heartbeat ack both arrive after the
	// handshake, not during Connect.
	deadline := time.Now().Add(3 * time.Second)
	sessionShown := false
	for time.Now().Before(deadline) {
		q := client.Quality()
		if !sessionShown && q.SessionID != "" {
			fmt.Printf("  Session:  %s\n", q.SessionID)
			sessionShown = true
		}
		if q.Samples > 0 {
			fmt.Printf("  Latency:  %s (avg %s over %d probes)\n",
				q.Latency.Round(time.Millisecond), q.AvgLatency.Round(time.Millisecond), q.Samples)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !sessionShown {
		fmt.Println("  Session:  not assigned within 3s")
	}
	fmt.Println("  Latency:  no heartbeat ack within 3s")
	return nil
}

func valueOrUnset(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}

func secretStatus(s string) string {
	if s == "" {
		return "(unset)"
	}
	return "configured"
}
