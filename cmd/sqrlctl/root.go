package main

import (
	"errors"
	"io"

	"github.com/spf13/cobra"
)

var (
	errUsage          = errors.New("invalid usage")
	errAuthentication = errors.New("authentication failed")
)

type globalFlags struct {
	configPath string
	dbPath     string
	identityID string
	progress   bool
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	var flags globalFlags
	env := &cliEnv{in: in, out: out, errOut: errOut, flags: &flags}

	root := &cobra.Command{
		Use:           "sqrlctl",
		Short:         "Manage SQRL identities and sign in to SQRL sites",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `sqrlctl keeps SQRL identities in a local database, unlocks them with a
password or rescue code, prints recovery text, rotates unlock keys and
performs the SQRL login exchange against a site.

Secrets are read one per line from standard input, or from SQRL_PASSWORD,
SQRL_NEW_PASSWORD and SQRL_RESCUE_CODE when those are set.`,
		Example: `  # Create an identity and make it current
  printf 'pass\npass\n' | sqrlctl create --name home

  # Sign in to a site
  echo pass | sqrlctl login 'sqrl://example.com/sqrl?nut=abc'`,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "configuration file (default configs/sqrlctl.yaml)")
	pf.StringVar(&flags.dbPath, "db", "", "identity database path, overrides storage.path")
	pf.StringVarP(&flags.identityID, "identity", "i", "", "identity id, defaults to the current identity")
	pf.BoolVar(&flags.progress, "progress", false, "report key derivation progress on stderr")

	root.AddCommand(
		newCreateCommand(env),
		newListCommand(env),
		newShowCommand(env),
		newUseCommand(env),
		newUnlockCommand(env),
		newRescueCommand(env),
		newRotateCommand(env),
		newPasswdCommand(env),
		newExportCommand(env),
		newImportCommand(env),
		newForgetCommand(env),
		newLoginCommand(env),
	)
	return root
}
