package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundriesio/conductor/pkg/mutator"
)

type forceRebuildOpts struct {
	*rootOpts
	message string
}

func newForceRebuild(parent *rootOpts) *forceRebuildOpts {
	return &forceRebuildOpts{rootOpts: parent}
}

func (opts *forceRebuildOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-rebuild",
		Short: "commit a refreshed content fingerprint so CI rebuilds the manifest",
		RunE:  opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.message, "message", "m", mutator.RebuildMessage, "commit message")
	return cmd
}

func (opts *forceRebuildOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	m, err := opts.mutator(context.Background())
	if err != nil {
		return err
	}
	rev, err := m.ForceRebuild(context.Background(), opts.message)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rev)
	return nil
}
