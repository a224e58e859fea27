package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/foundriesio/conductor/pkg/gitutil"
	"github.com/foundriesio/conductor/pkg/mutator"
)

const EnvVariableURL = "CONDUCTOR_URL"

type rootOpts struct {
	URL string

	RepoDir     string
	RepoURL     string
	UpstreamURL string
	Branch      string
	RepoDomain  string
	RepoToken   string
	DryRun      bool

	logger log.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{
		logger: log.NewLogfmtLogger(os.Stderr),
	}
}

var rootLongHelp = strings.TrimSpace(`
conductorctl drives manifest repository mutations by hand.

Workflow:
  conductorctl merge-upstream --repo-dir ./factory   # pull the new upstream release in
  conductorctl force-rebuild --repo-dir ./factory    # force the follow-up container rebuild
  conductorctl summary 42                            # how did build 42's tests go?
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "conductorctl",
		Long:         rootLongHelp,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://localhost:8000",
		"base URL of the conductord API; also settable via "+EnvVariableURL)
	cmd.PersistentFlags().StringVar(&opts.RepoDir, "repo-dir", ".", "manifest work tree directory")
	cmd.PersistentFlags().StringVar(&opts.RepoURL, "repo-url", "", "manifest repository URL")
	cmd.PersistentFlags().StringVar(&opts.UpstreamURL, "upstream-url", "", "upstream reference manifest URL")
	cmd.PersistentFlags().StringVar(&opts.Branch, "branch", "master", "manifest branch")
	cmd.PersistentFlags().StringVar(&opts.RepoDomain, "repo-domain", "", "domain the repo token authenticates against")
	cmd.PersistentFlags().StringVar(&opts.RepoToken, "repo-token", "", "token for pushing to the manifest repository")
	cmd.PersistentFlags().BoolVar(&opts.DryRun, "dry-run", false, "do everything except push")

	if url := os.Getenv(EnvVariableURL); url != "" {
		opts.URL = url
	}

	cmd.AddCommand(
		newForceRebuild(opts).Command(),
		newMergeUpstream(opts).Command(),
		newSummary(opts).Command(),
	)
	return cmd
}

// mutator builds the repository mutator the git subcommands share.
func (opts *rootOpts) mutator(ctx context.Context) (*mutator.Mutator, error) {
	gitOpts := []gitutil.Option{
		gitutil.Branch(opts.Branch),
		gitutil.Timeout(40 * time.Second),
	}
	if opts.UpstreamURL != "" {
		gitOpts = append(gitOpts, gitutil.Upstream(gitutil.Remote{Name: "lmp", URL: opts.UpstreamURL}))
	}
	if opts.RepoToken != "" {
		gitOpts = append(gitOpts, gitutil.Auth(opts.RepoDomain, opts.RepoToken))
	}
	if opts.DryRun {
		gitOpts = append(gitOpts, gitutil.DryRun(true))
	}
	tree := gitutil.NewWorkTree(opts.RepoDir,
		gitutil.Remote{Name: "origin", URL: opts.RepoURL}, gitOpts...)
	if err := tree.Ensure(ctx); err != nil {
		return nil, err
	}
	return mutator.New(tree, "", "", opts.logger), nil
}
