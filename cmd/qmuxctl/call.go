package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hunyxv/qmux"
	"github.com/hunyxv/qmux/client"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	callService uint8
	callSession uint8
	callMessage uint16
	callData    string
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Send one request and print the reply as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req interface{}
		if callData != "" {
			if err := json.Unmarshal([]byte(callData), &req); err != nil {
				return errors.Wrap(err, "parse --data")
			}
		}

		logger, err := cfg.logger()
		if err != nil {
			return err
		}
		resolver, err := cfg.resolver(logger)
		if err != nil {
			return err
		}
		defer resolver.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
		defer cancel()

		addr, err := resolver.Resolve(ctx)
		if err != nil {
			return err
		}

		zopts := []qmux.ZmqOption{qmux.WithZmqLogger(logger)}
		if cfg.Identity != "" {
			zopts = append(zopts, qmux.WithZmqIdentity(cfg.Identity))
		}
		ch, err := qmux.DialZmq(addr, zopts...)
		if err != nil {
			return err
		}
		t, err := qmux.NewTransport(ch, qmux.WithLogger(logger), qmux.WithWakePool(cfg.WakePool))
		if err != nil {
			ch.Close()
			return err
		}
		defer t.Close()

		cli := client.New(t, ch, client.WithLogger(logger))
		var reply interface{}
		err = cli.Call(ctx, qmux.ServiceID(callService), qmux.SessionID(callSession), callMessage, req, &reply)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(reply, "", "  ")
		if err != nil {
			return errors.Wrap(err, "format reply")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	callCmd.Flags().Uint8Var(&callService, "service", 0, "service id")
	callCmd.Flags().Uint8Var(&callSession, "session", 0, "session id")
	callCmd.Flags().Uint16Var(&callMessage, "message", 0, "message id")
	callCmd.Flags().StringVar(&callData, "data", "", "request body as JSON")
}
