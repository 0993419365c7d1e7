package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"escrowengine/native/escrow"
	"escrowengine/rpc"
)

func newInitCmd(opts *cliOptions) *cobra.Command {
	var req rpc.InitRequest
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an escrow with the signing key as depositor.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Beneficiary == "" || req.Arbiter == "" {
				return errors.New("--beneficiary and --arbiter are required")
			}
			if req.Asset == "" || req.Amount == "" {
				return errors.New("--asset and --amount are required")
			}
			client, err := opts.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			view, err := client.Initialize(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().Uint64Var(&req.ID, "id", 0, "depositor-scoped escrow identifier")
	cmd.Flags().StringVar(&req.Beneficiary, "beneficiary", "", "beneficiary address")
	cmd.Flags().StringVar(&req.Arbiter, "arbiter", "", "arbiter address")
	cmd.Flags().StringVar(&req.Asset, "asset", "", "asset symbol")
	cmd.Flags().StringVar(&req.Amount, "amount", "", "amount in base units")
	cmd.Flags().Uint64Var(&req.AutoReleaseSlot, "auto-release-slot", 0, "slot after which anyone may release (0 disables)")
	return cmd
}

type transitionCall func(*rpc.Client, context.Context, escrow.Ref) (*rpc.EscrowView, error)

func newTransitionCmd(opts *cliOptions, use, short string, call transitionCall) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			client, err := opts.client(true)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			view, err := call(client, ctx, ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newDisputeCmd(opts *cliOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <ref>",
		Short: "Freeze a funded escrow pending arbitration (depositor or beneficiary).",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = newTransitionCmd(opts, cmd.Use, cmd.Short, func(c *rpc.Client, ctx context.Context, ref escrow.Ref) (*rpc.EscrowView, error) {
		return c.Dispute(ctx, ref, reason)
	}).RunE
	cmd.Flags().StringVar(&reason, "reason", "", "free-text dispute reason")
	return cmd
}

func newResolveCmd(opts *cliOptions) *cobra.Command {
	var outcome string
	cmd := &cobra.Command{
		Use:   "resolve <ref>",
		Short: "Settle a dispute in favour of the beneficiary or the depositor (arbiter only).",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = newTransitionCmd(opts, cmd.Use, cmd.Short, func(c *rpc.Client, ctx context.Context, ref escrow.Ref) (*rpc.EscrowView, error) {
		switch outcome {
		case escrow.OutcomeBeneficiary.String(), escrow.OutcomeDepositor.String():
		default:
			return nil, errors.New("--outcome must be beneficiary or depositor")
		}
		return c.Resolve(ctx, ref, outcome)
	}).RunE
	cmd.Flags().StringVar(&outcome, "outcome", "", "beneficiary or depositor")
	return cmd
}
