package main

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meta-node-blockchain/meta-bba/pkg/agreement"
	"github.com/meta-node-blockchain/meta-bba/pkg/bba"
	"github.com/meta-node-blockchain/meta-bba/pkg/binaryagreement"
	"github.com/meta-node-blockchain/meta-bba/pkg/commoncoin"
	"github.com/meta-node-blockchain/meta-bba/pkg/network"
	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
	"github.com/meta-node-blockchain/meta-bba/pkg/transport"
)

const (
	coinOracle    = "oracle"
	coinThreshold = "threshold"
)

type simulation struct {
	n, f    int
	inputs  []bool
	silent  int
	seed    int64
	latency time.Duration
	coin    string
	timeout time.Duration
}

var (
	sim       simulation
	simInputs string
)

func init() {
	simulateCmd.Flags().IntVarP(&sim.n, "n", "n", 4, "Number of validators")
	simulateCmd.Flags().IntVarP(&sim.f, "f", "f", -1, "Tolerated faults (default: the largest f with n >= 3f+1)")
	simulateCmd.Flags().StringVar(&simInputs, "inputs", "", "One estimate bit per validator, e.g. 1101 (default: random)")
	simulateCmd.Flags().IntVar(&sim.silent, "silent", 0, "Number of validators, counted from the last, that never speak")
	simulateCmd.Flags().Int64Var(&sim.seed, "seed", 1, "Seed for inputs, latency and the oracle coin")
	simulateCmd.Flags().DurationVar(&sim.latency, "latency", 5*time.Millisecond, "Maximum random delivery latency")
	simulateCmd.Flags().StringVar(&sim.coin, "coin", coinOracle, "Common coin: oracle or threshold")
	simulateCmd.Flags().DurationVar(&sim.timeout, "timeout", 30*time.Second, "Deadline for the agreement")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one agreement among in-process validators",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := sim
		if s.f < 0 {
			s.f = binaryagreement.MaxFaulty(s.n)
		}
		if simInputs != "" {
			inputs, err := agreement.ParseBits(simInputs)
			if err != nil {
				return err
			}
			s.inputs = inputs
		}
		decisions, err := s.run(cmd.Context())
		if err != nil {
			return err
		}
		for i, d := range decisions {
			switch {
			case i >= s.n-s.silent:
				fmt.Printf("validator %d: silent\n", i)
			default:
				fmt.Printf("validator %d: input %d decided %d\n", i, bit(s.inputs[i]), bit(d))
			}
		}
		return nil
	},
}

func bit(b bool) int {
	if b {
		return 1
	}
	return 0
}

// run returns the decision of every validator; silent validators report false.
func (s *simulation) run(ctx context.Context) ([]bool, error) {
	if s.silent > s.f {
		return nil, fmt.Errorf("%d silent validators exceed f=%d", s.silent, s.f)
	}
	rng := rand.New(rand.NewSource(s.seed))
	if s.inputs == nil {
		for i := 0; i < s.n; i++ {
			s.inputs = append(s.inputs, rng.Intn(2) == 1)
		}
	}
	if len(s.inputs) != s.n {
		return nil, fmt.Errorf("got %d inputs for %d validators", len(s.inputs), s.n)
	}

	ln, err := transport.NewLocalNetwork(s.n, transport.Options{Async: true, MaxLatency: s.latency, Seed: s.seed})
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	var shares []*commoncoin.Keys
	if s.coin == coinThreshold {
		priv, pub, err := commoncoin.GenerateKeys(s.n, s.f+1)
		if err != nil {
			return nil, err
		}
		for _, share := range priv {
			shares = append(shares, &commoncoin.Keys{Share: share, Public: pub, Threshold: s.f + 1})
		}
	} else if s.coin != coinOracle {
		return nil, fmt.Errorf("unknown coin %q", s.coin)
	}

	procs := make([]*bba.Process, s.n)
	for i := 0; i < s.n; i++ {
		netinfo, err := binaryagreement.NewNetworkInfo(s.n, s.f, uint64(i))
		if err != nil {
			return nil, err
		}
		host := ln.Host(uint64(i))
		p := bba.NewProcess(host, netinfo, bba.Options{})
		handler := network.NewHandler(nil, nil)
		if err := handler.Register(p); err != nil {
			return nil, err
		}
		if shares != nil {
			coin := commoncoin.NewThresholdCoin(host, shares[i], s.n, p.DeliverCoin)
			if err := handler.Register(coin); err != nil {
				return nil, err
			}
			p.SetCoinSource(coin)
		} else {
			p.SetCoinSource(commoncoin.NewOracle([]byte(strconv.FormatInt(s.seed, 10)), p.DeliverCoin))
		}
		ln.SetHandler(uint64(i), handler)
		procs[i] = p
	}
	for i := s.n - s.silent; i < s.n; i++ {
		ln.Isolate(uint64(i))
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id := protocolid.AgreementId{}
	decisions := make([]bool, s.n)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.n-s.silent; i++ {
		i := i
		g.Go(func() error {
			v, err := procs[i].StartAgreementAndWait(ctx, id, s.inputs[i])
			if err != nil {
				return fmt.Errorf("validator %d: %w", i, err)
			}
			decisions[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return decisions, nil
}
