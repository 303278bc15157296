package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meta-node-blockchain/meta-bba/pkg/agreement"
	"github.com/meta-node-blockchain/meta-bba/pkg/config"
	"github.com/meta-node-blockchain/meta-bba/pkg/logger"
	"github.com/meta-node-blockchain/meta-bba/pkg/node"
)

var (
	runConfigFile string
	runEras       uint64
	runInput      bool
	runWarmup     time.Duration
	runTimeout    time.Duration
	runStay       bool
)

func init() {
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "config.json", "Node configuration file")
	runCmd.Flags().Uint64Var(&runEras, "eras", 1, "Number of eras to agree on; every era runs one agreement per validator slot")
	runCmd.Flags().BoolVar(&runInput, "input", true, "Estimate proposed for every agreement")
	runCmd.Flags().DurationVar(&runWarmup, "warmup", 5*time.Second, "Time to wait for the other validators before proposing")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", time.Minute, "Deadline for each era")
	runCmd.Flags().BoolVar(&runStay, "stay", false, "Keep serving peers until interrupted after the last era")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a validator from a config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigFromFile(runConfigFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		n, err := node.NewNode(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := n.Start(ctx); err != nil {
			n.Stop()
			return err
		}
		defer func() {
			if err := n.Stop(); err != nil {
				logger.Warn("node stopped with error: %v", err)
			}
		}()

		logger.Info("waiting %v for the network to initialize", runWarmup)
		select {
		case <-time.After(runWarmup):
		case <-ctx.Done():
			return nil
		}

		driver := agreement.NewDriver(n.Process, uint64(len(cfg.Validators)), runTimeout, func(era, slot uint64) bool {
			return runInput
		})
		err = driver.RunEras(ctx, 0, runEras, func(era uint64, decisions []bool) {
			fmt.Printf("era %d: %s\n", era, agreement.FormatBits(decisions))
		})
		if err != nil {
			return err
		}
		if runStay {
			<-ctx.Done()
		}
		return nil
	},
}
