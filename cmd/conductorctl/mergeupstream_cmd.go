package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundriesio/conductor/pkg/conderr"
)

var errorWantedNoArgs = conderr.Newf(conderr.Usage, "expected no (non-flag) arguments")

type mergeUpstreamOpts struct {
	*rootOpts
}

func newMergeUpstream(parent *rootOpts) *mergeUpstreamOpts {
	return &mergeUpstreamOpts{rootOpts: parent}
}

func (opts *mergeUpstreamOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "merge-upstream",
		Short: "merge the upstream reference manifest, preferring upstream content",
		RunE:  opts.RunE,
	}
}

func (opts *mergeUpstreamOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	m, err := opts.mutator(context.Background())
	if err != nil {
		return err
	}
	rev, err := m.MergeUpstream(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), rev)
	return nil
}
