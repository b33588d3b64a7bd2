package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	lb "l4lb"
)

func main() {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "l4lb",
		Short:         "UDP load balancer forwarding flows to backends over IP-in-IP",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(newRun(), newReplay())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(file string) *lb.Config {
	config, err := lb.ParseConfig(file)
	if err != nil {
		log.Fatalf("failed to load config %s: %s", file, err)
	}
	if config.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return config
}

func newRun() *cobra.Command {
	return &cobra.Command{
		Use:   "run <config>",
		Short: "Balance UDP traffic for the virtual ip on the configured interface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			config := loadConfig(args[0])

			loadBalancer := &lb.PacketLoadBalancer{Config: config}
			if err := loadBalancer.Start(); err != nil {
				return errors.Wrap(err, "failed to start load balancer")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			failed := make(chan error, 1)
			go func() { failed <- loadBalancer.Wait() }()

			select {
			case <-ctx.Done():
				return loadBalancer.Stop()
			case err := <-failed:
				loadBalancer.Stop()
				return err
			}
		},
	}
}

func newReplay() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <config> <in.pcap> <out.pcap>",
		Short: "Run a capture through the datapath and write the forwarded frames",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			config := loadConfig(args[0])

			pipeline, err := lb.NewPipeline(config, nil)
			if err != nil {
				return err
			}

			in, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := os.Create(args[2])
			if err != nil {
				return err
			}
			defer out.Close()

			stats, err := lb.Replay(in, out, pipeline, config.Headroom)
			if err != nil {
				return err
			}
			log.Infof("replayed %d frames: transmit=%d drop=%d ignore=%d",
				stats.Frames, stats.Count(lb.Transmit), stats.Count(lb.Drop), stats.Count(lb.Ignore))
			for _, s := range pipeline.Stats() {
				log.Infof("backend %d: flows=%d packets=%d", s.Index, s.NumFlows, s.NumPackets)
			}
			return out.Close()
		},
	}
}
