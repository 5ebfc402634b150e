package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hunyxv/qmux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a frame header",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := strings.NewReplacer(" ", "", ":", "").Replace(args[0])
		frame, err := hex.DecodeString(raw)
		if err != nil {
			return errors.Wrap(err, "parse hex")
		}
		h, n, err := qmux.DecodeHeader(frame)
		if err != nil {
			return err
		}
		kind := "request"
		switch {
		case h.IsResponse():
			kind = "response"
		case h.IsIndication():
			kind = "indication"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\nkind=%s header_bytes=%d payload_bytes=%d\n", h, kind, n, len(frame)-n)
		return nil
	},
}
