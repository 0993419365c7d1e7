package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"escrowengine/cmd/internal/passphrase"
	"escrowengine/crypto"
	"escrowengine/native/escrow"
	"escrowengine/rpc"
)

const (
	defaultEndpoint = "http://127.0.0.1:8650"
	endpointEnv     = "ESCROW_RPC_URL"
	keyPathEnv      = "ESCROW_KEY"
	passphraseEnv   = "ESCROW_KEY_PASS"
	requestTimeout  = 30 * time.Second
)

type cliOptions struct {
	endpoint string
	keyPath  string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "escrow-cli",
		Short:         "Operate escrows on an escrowd node.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.endpoint, "rpc", envOr(endpointEnv, defaultEndpoint), "escrowd RPC endpoint")
	root.PersistentFlags().StringVar(&opts.keyPath, "key", os.Getenv(keyPathEnv), "keystore file used to sign requests")

	root.AddCommand(
		newKeygenCmd(),
		newAddressCmd(opts),
		newInitCmd(opts),
		newTransitionCmd(opts, "fund <ref>", "Move the escrow amount from the depositor into the vault.", (*rpc.Client).Fund),
		newTransitionCmd(opts, "release <ref>", "Pay the vault to the beneficiary (depositor only).", (*rpc.Client).Release),
		newTransitionCmd(opts, "cancel <ref>", "Cancel the escrow and refund any custodied funds (depositor only).", (*rpc.Client).Cancel),
		newTransitionCmd(opts, "auto-release <ref>", "Release a funded escrow whose deadline slot has passed.", (*rpc.Client).AutoRelease),
		newDisputeCmd(opts),
		newResolveCmd(opts),
		newViewCmd(opts),
		newListCmd(opts),
		newBalanceCmd(opts),
		newFaucetCmd(opts),
		newStatusCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func (o *cliOptions) client(signed bool) (*rpc.Client, error) {
	if !signed {
		return rpc.NewClient(o.endpoint, nil), nil
	}
	key, err := o.loadKey()
	if err != nil {
		return nil, err
	}
	return rpc.NewClient(o.endpoint, key), nil
}

func (o *cliOptions) loadKey() (*crypto.PrivateKey, error) {
	path := strings.TrimSpace(o.keyPath)
	if path == "" {
		return nil, fmt.Errorf("--key or %s is required", keyPathEnv)
	}
	pass, err := passphrase.NewSource(passphraseEnv).Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", path, err)
	}
	return key, nil
}

// parseRef accepts "<depositor>/<id>" with the depositor in bech32 or 0x hex.
func parseRef(value string) (escrow.Ref, error) {
	var ref escrow.Ref
	addr, id, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return ref, errors.New("ref must be <depositor>/<id>")
	}
	depositor, err := crypto.ParseAddress(addr)
	if err != nil {
		return ref, fmt.Errorf("invalid depositor: %w", err)
	}
	ref.Depositor = depositor
	ref.ID, err = strconv.ParseUint(id, 10, 64)
	if err != nil {
		return ref, fmt.Errorf("invalid escrow id %q", id)
	}
	return ref, nil
}

func printJSON(w io.Writer, value interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}
