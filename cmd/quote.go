package cmd

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/gitzhang10/blockrelay/ledger"
	"github.com/gitzhang10/blockrelay/lzcodec"
	"github.com/gitzhang10/blockrelay/transport"
)

var (
	quoteTargets   int
	quoteGas       uint64
	quoteReadGas   uint64
	quoteBase      uint64
	quoteGasPrice  uint64
	quoteBytePrice uint64
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Quote the fees of a block hash request and its fan-out",
	RunE: func(cmd *cobra.Command, args []string) error {
		schedule := transport.FeeSchedule{
			Base:      uint256.NewInt(quoteBase),
			GasPrice:  uint256.NewInt(quoteGasPrice),
			BytePrice: uint256.NewInt(quoteBytePrice),
		}
		legFee, readFee, err := quoteRequest(schedule, quoteTargets, quoteGas, quoteReadGas)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "fan-out leg: %s\n", legFee.ToBig().String())
		fmt.Fprintf(out, "targets:     %d\n", quoteTargets)
		fmt.Fprintf(out, "read total:  %s\n", readFee.ToBig().String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quoteCmd)
	defaults := transport.DefaultFeeSchedule()
	quoteCmd.Flags().IntVar(&quoteTargets, "targets", 1, "Number of fan-out destinations")
	quoteCmd.Flags().Uint64Var(&quoteGas, "gas", 100_000, "Receive gas of each fan-out message")
	quoteCmd.Flags().Uint64Var(&quoteReadGas, "read-gas", 100_000, "Gas of the read response")
	quoteCmd.Flags().Uint64Var(&quoteBase, "base", defaults.Base.Uint64(), "Base fee per message")
	quoteCmd.Flags().Uint64Var(&quoteGasPrice, "gas-price", defaults.GasPrice.Uint64(), "Price per unit of gas")
	quoteCmd.Flags().Uint64Var(&quoteBytePrice, "byte-price", defaults.BytePrice.Uint64(), "Price per response byte of a read")
}

// quoteRequest prices one fan-out leg and the read that carries targets such legs.
func quoteRequest(schedule transport.FeeSchedule, targets int, gas, readGas uint64) (leg, read *uint256.Int, err error) {
	legOptions, err := lzcodec.NewOptions().AddReceive(gas, nil).Bytes()
	if err != nil {
		return nil, nil, err
	}
	if leg, _, err = schedule.Price(legOptions, false); err != nil {
		return nil, nil, err
	}
	fees := make([]*uint256.Int, targets)
	for i := range fees {
		fees[i] = leg
	}
	total, _ := ledger.Sum(fees)
	readOptions, err := lzcodec.NewOptions().AddRead(readGas, lzcodec.BlockMessageSize, total).Bytes()
	if err != nil {
		return nil, nil, err
	}
	if read, _, err = schedule.Price(readOptions, true); err != nil {
		return nil, nil, err
	}
	return leg, read, nil
}
