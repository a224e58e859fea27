package main

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/foundriesio/conductor/pkg/conderr"
)

type summaryOpts struct {
	*rootOpts
}

func newSummary(parent *rootOpts) *summaryOpts {
	return &summaryOpts{rootOpts: parent}
}

func (opts *summaryOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <build-id>",
		Short: "show the aggregate test state of a build",
		RunE:  opts.RunE,
	}
}

func (opts *summaryOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return conderr.Newf(conderr.Usage, "expected a single build ID argument")
	}
	if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
		return conderr.Newf(conderr.Usage, "parsing build ID %q: %v", args[0], err)
	}
	resp, err := http.Get(opts.URL + "/api/builds/" + args[0] + "/summary")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.Errorf("%s: %s", resp.Status, body)
	}
	var pretty map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
