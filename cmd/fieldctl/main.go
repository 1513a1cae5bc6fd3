// Package main is the fieldctl administration CLI for the field management API.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/atinyakov/fieldkeeper/internal/client"
	"github.com/spf13/cobra"
)

// globalOptions holds the connection flags shared by every API command.
type globalOptions struct {
	url      string
	certFile string
	keyFile  string
	caFile   string
	session  string
}

// httpClientFactory builds the HTTP client for API commands.
var httpClientFactory = func(o *globalOptions) (*http.Client, error) {
	return client.LoadClientCertificate(o.certFile, o.keyFile, o.caFile)
}

// newRootCmd builds the command tree with fresh flag state.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "fieldctl",
		Short: "Manage custom field categories and fields",
		Long: `fieldctl administers the custom field tree of a fieldkeeper server.

Every API command authenticates with a client certificate (mutual TLS) and an
administrator session key, which can be minted with "fieldctl token".`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.url, "url", "https://localhost:8443", "server base URL")
	pf.StringVar(&opts.certFile, "cert", "certs/admin.crt", "path to client cert")
	pf.StringVar(&opts.keyFile, "key", "certs/admin.key", "path to client key")
	pf.StringVar(&opts.caFile, "ca", "certs/ca.crt", "path to CA cert")
	pf.StringVar(&opts.session, "session", os.Getenv("FIELDKEEPER_SESSION"), "administrator session key")

	root.AddCommand(
		newTokenCmd(),
		newListCmd(opts),
		newCategoryCmd(opts, false),
		newCategoryCmd(opts, true),
		newFieldCmd(opts, false),
		newFieldCmd(opts, true),
		newDeleteCmd(opts),
		versionCmd(),
	)
	return root
}

func newAPIClient(opts *globalOptions) (*client.Client, error) {
	httpClient, err := httpClientFactory(opts)
	if err != nil {
		return nil, err
	}
	return client.New(httpClient, opts.url, opts.session), nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
