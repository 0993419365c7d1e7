package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"escrowengine/storage/journal"
)

func newViewCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "view <ref>",
		Short: "Show an escrow record and its vault balance.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			client, _ := opts.client(false)
			ctx, cancel := commandContext(cmd)
			defer cancel()
			view, err := client.Get(ctx, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [depositor]",
		Short: "List escrows created by a depositor (defaults to the signing key).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var depositor string
			if len(args) == 1 {
				depositor = args[0]
			} else {
				key, err := opts.loadKey()
				if err != nil {
					return fmt.Errorf("depositor argument or signing key required: %w", err)
				}
				depositor = key.PubKey().Address().String()
			}
			client, _ := opts.client(false)
			ctx, cancel := commandContext(cmd)
			defer cancel()
			views, err := client.List(ctx, depositor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
}

func newBalanceCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account> <asset>",
		Short: "Show the ledger balance of an account.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _ := opts.client(false)
			ctx, cancel := commandContext(cmd)
			defer cancel()
			balance, err := client.Balance(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), balance)
		},
	}
}

func newFaucetCmd(opts *cliOptions) *cobra.Command {
	var asset, amount string
	cmd := &cobra.Command{
		Use:   "faucet",
		Short: "Mint development funds to the signing key.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asset == "" || amount == "" {
				return errors.New("--asset and --amount are required")
			}
			client, err := opts.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			balance, err := client.Faucet(ctx, asset, amount)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), balance)
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "asset symbol")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in base units")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node's current slot and configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _ := opts.client(false)
			ctx, cancel := commandContext(cmd)
			defer cancel()
			status, err := client.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func newEventsCmd(opts *cliOptions) *cobra.Command {
	var (
		filter journal.Filter
		ref    string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Page through the node's audit journal.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ref != "" {
				parsed, err := parseRef(ref)
				if err != nil {
					return err
				}
				filter.Ref = parsed.String()
			}
			client, _ := opts.client(false)
			ctx, cancel := commandContext(cmd)
			defer cancel()
			entries, err := client.Events(ctx, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "only events for this escrow (<depositor>/<id>)")
	cmd.Flags().StringVar(&filter.Type, "type", "", "only events of this type")
	cmd.Flags().Int64Var(&filter.After, "after", 0, "only events with a greater sequence number")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of events")
	return cmd
}
