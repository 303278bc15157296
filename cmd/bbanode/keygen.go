package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meta-node-blockchain/meta-bba/pkg/binaryagreement"
	"github.com/meta-node-blockchain/meta-bba/pkg/node"
)

var (
	keygenN        int
	keygenF        int
	keygenIP       string
	keygenBasePort int
	keygenOut      string
)

func init() {
	keygenCmd.Flags().IntVarP(&keygenN, "n", "n", 4, "Number of validators")
	keygenCmd.Flags().IntVarP(&keygenF, "f", "f", -1, "Tolerated faults (default: the largest f with n >= 3f+1)")
	keygenCmd.Flags().StringVar(&keygenIP, "ip", "127.0.0.1", "Address the validators listen on")
	keygenCmd.Flags().IntVar(&keygenBasePort, "base-port", 4000, "Validator i listens on base-port+i")
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "network", "Output directory")
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate validator keys, threshold coin keys and one config file per validator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := keygenF
		if f < 0 {
			f = binaryagreement.MaxFaulty(keygenN)
		}
		dataDir, err := filepath.Abs(filepath.Join(keygenOut, "data"))
		if err != nil {
			return err
		}
		configs, err := node.GenerateConfigs(keygenN, f, keygenIP, keygenBasePort, dataDir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(keygenOut, 0755); err != nil {
			return err
		}
		for i, cfg := range configs {
			path := filepath.Join(keygenOut, fmt.Sprintf("node-%d.json", i))
			if err := cfg.SaveToFile(path); err != nil {
				return err
			}
			fmt.Println(path)
		}
		return nil
	},
}
