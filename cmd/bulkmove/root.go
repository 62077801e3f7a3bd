package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jamcrm/api/internal/logger"
	"github.com/jamcrm/api/internal/tracker"
	"github.com/jamcrm/api/pkg/client"
)

type globalOptions struct {
	apiURL    string
	statePath string
	verbose   bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "bulkmove",
		Short:         "Move company memberships between collections",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	apiDefault := os.Getenv("BULKMOVE_API")
	if apiDefault == "" {
		apiDefault = "http://localhost:8000"
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api", apiDefault, "API base URL (env BULKMOVE_API)")
	root.PersistentFlags().StringVar(&opts.statePath, "state", "", "directory holding the tracked operation id (default: user config dir)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log poll errors")

	root.AddCommand(
		newCollectionsCmd(opts),
		newMoveCmd(opts),
		newStatusCmd(opts),
		newTrackCmd(opts),
	)
	return root
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.apiURL)
}

// logger is a debug logger with --verbose and silent otherwise.
func (o *globalOptions) logger() *logger.Logger {
	if o.verbose {
		if l, err := logger.New("development", "debug"); err == nil {
			return l
		}
	}
	return logger.Nop()
}

// keyStore opens the tracker state. Callers close it.
func (o *globalOptions) keyStore() (*tracker.BadgerStore, error) {
	path := o.statePath
	if path == "" {
		p, err := tracker.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve state path: %w", err)
		}
		path = p
	}
	return tracker.OpenBadgerStore(path, o.logger())
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
