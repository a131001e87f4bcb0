package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gitzhang10/blockrelay/headercodec"
)

var headerFile string

var decodeHeaderCmd = &cobra.Command{
	Use:   "decode-header [hex]",
	Short: "Decode an RLP block header and print the fields the oracle stores",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var text string
		switch {
		case headerFile != "":
			data, err := os.ReadFile(headerFile)
			if err != nil {
				return errors.Wrap(err, "read header file")
			}
			text = string(data)
		case len(args) == 1:
			text = args[0]
		default:
			return errors.New("pass the header as an argument or with --file")
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(text), "0x"))
		if err != nil {
			return errors.Wrap(err, "decode hex")
		}
		h, err := headercodec.Decode(raw)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "hash:          %s\n", h.Hash.Hex())
		fmt.Fprintf(out, "parent hash:   %s\n", h.ParentHash.Hex())
		fmt.Fprintf(out, "state root:    %s\n", h.StateRoot.Hex())
		fmt.Fprintf(out, "receipts root: %s\n", h.ReceiptsRoot.Hex())
		fmt.Fprintf(out, "number:        %d\n", h.Number)
		fmt.Fprintf(out, "timestamp:     %d\n", h.Timestamp)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decodeHeaderCmd)
	decodeHeaderCmd.Flags().StringVar(&headerFile, "file", "", "File holding the hex-encoded header")
}
