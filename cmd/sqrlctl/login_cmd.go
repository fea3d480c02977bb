package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sqrl-client/go-core/internal/identity"
	"sqrl-client/go-core/internal/platform/ratelimiter"
	"sqrl-client/go-core/internal/protocol"
)

type loginFlags struct {
	create   bool
	altID    string
	noIPTest bool
	cps      bool
	button   int
	command  string
}

type loginResult struct {
	Command    string `json:"command"`
	TIF        string `json:"tif"`
	Known      bool   `json:"known"`
	Previous   int    `json:"previous_generation,omitempty"`
	CPSURL     string `json:"cps_url,omitempty"`
	AskMessage string `json:"ask,omitempty"`
}

func newLoginCommand(env *cliEnv) *cobra.Command {
	var flags loginFlags
	cmd := &cobra.Command{
		Use:   "login <sqrl-link>",
		Short: "Run the SQRL exchange against a site",
		Long: `login unlocks the identity, queries the site and then sends ident (or the
command given with --command). Unknown identities are only registered with
--create. When the site knows a previous identity, ident carries the
previous key and a new server unlock key so the account moves over.`,
		Args: cobra.ExactArgs(1),
		RunE: withRuntime(env, func(rt *runtime, args []string) error {
			return rt.login(args[0], flags)
		}),
	}
	f := cmd.Flags()
	f.BoolVar(&flags.create, "create", false, "register the identity if the site does not know it")
	f.StringVar(&flags.altID, "alt-id", "", "alternative identity text mixed into the site keys")
	f.BoolVar(&flags.noIPTest, "noiptest", false, "ask the server to skip its ip check")
	f.BoolVar(&flags.cps, "cps", false, "request a client provided session")
	f.IntVar(&flags.button, "button", 0, "answer an ask prompt with this button")
	f.StringVar(&flags.command, "command", string(protocol.CmdIdent), "command after query: ident, enable, disable or remove")
	return cmd
}

func (rt *runtime) login(raw string, flags loginFlags) error {
	link, err := protocol.ParseLink(raw)
	if err != nil {
		return err
	}
	link = link.WithAlternativeID(flags.altID)

	_, m, err := rt.loadRecord()
	if err != nil {
		return err
	}
	defer m.Clear()
	if err := rt.unlockWithPassword(m); err != nil {
		return err
	}

	command := protocol.Command(flags.command)
	if command == protocol.CmdEnable || command == protocol.CmdRemove {
		if err := rt.unlockWithRescueCode(m); err != nil {
			return err
		}
	}

	transport := protocol.NewHTTPTransport(rt.cfg.Transport.Timeout,
		protocol.WithHostLimiter(ratelimiter.New(rt.cfg.Transport.RequestsPerSecond, rt.cfg.Transport.Burst, 0)),
	)
	var cpsURL string
	session, err := protocol.NewSession(link, m, transport,
		protocol.WithSessionLogger(rt.logger),
		protocol.WithSessionMetrics(rt.metrics),
		protocol.WithCPSNotifier(func(u string) { cpsURL = u }),
	)
	if err != nil {
		return err
	}

	opts := protocol.RequestOptions{Options: rt.options(m, flags)}
	ctx, cancel := context.WithTimeout(context.Background(), 4*rt.cfg.Transport.Timeout+time.Second)
	defer cancel()

	resp, err := rt.queryAllGenerations(ctx, session, m, opts)
	if err != nil {
		return err
	}
	result := loginResult{Command: string(protocol.CmdQuery), TIF: tifString(resp)}

	if ask, ok := resp.Ask(); ok {
		result.AskMessage = ask.Message
		if flags.button > 0 {
			session.SetAskButton(flags.button)
		}
	}

	disabled := command == protocol.CmdEnable || command == protocol.CmdRemove
	known := resp.IsIdentityKnown(disabled)
	tif, _, _ := resp.TIF()
	switch {
	case session.State() == protocol.StateTerminated:
		result.Known = known
		_ = rt.env.printJSON(result)
		return fmt.Errorf("%w: server reported %s", protocol.ErrSessionTerminated, tif)
	case !known && !(command == protocol.CmdIdent && flags.create):
		result.Known = false
		return rt.env.printJSON(result)
	}

	if command == protocol.CmdIdent {
		if !known {
			opts.CreateAccount = true
		} else if !tif.Has(protocol.TIFCurrentIDMatch) && tif.Has(protocol.TIFPreviousIDMatch) {
			session.LoginWithPreviousKey(true)
			result.Previous = m.SelectedGeneration()
		}
	}
	opts.UnlockSignature = command == protocol.CmdEnable || command == protocol.CmdRemove

	final, err := session.Exchange(ctx, command, opts)
	if err != nil {
		return err
	}
	result.Command = string(command)
	result.TIF = tifString(final)
	result.Known = known
	if cpsURL != "" {
		result.CPSURL = cpsURL
	}
	if err := rt.env.printJSON(result); err != nil {
		return err
	}
	if session.State() == protocol.StateTerminated {
		return fmt.Errorf("%w: %s rejected", protocol.ErrSessionTerminated, command)
	}
	return nil
}

// queryAllGenerations repeats query with older unlock keys until the site
// recognises one or the history runs out.
func (rt *runtime) queryAllGenerations(ctx context.Context, s *protocol.Session, m *identity.Manager, opts protocol.RequestOptions) (*protocol.Response, error) {
	resp, err := s.Exchange(ctx, protocol.CmdQuery, opts)
	for err == nil && s.State() != protocol.StateTerminated && m.HasPreviousKeys() {
		tif, _, _ := resp.TIF()
		if tif.Has(protocol.TIFCurrentIDMatch | protocol.TIFPreviousIDMatch) {
			break
		}
		if _, ok := s.NextPreviousGeneration(); !ok {
			break
		}
		resp, err = s.Exchange(ctx, protocol.CmdQuery, opts)
	}
	return resp, err
}

func (rt *runtime) options(m *identity.Manager, flags loginFlags) protocol.Options {
	opts := protocol.Options{
		NoIPTest:   flags.noIPTest,
		CPS:        flags.cps,
		RequestSUK: true,
	}
	if s, ok := m.Settings(); ok {
		opts.HardLock = s.Flags.HardLock()
		opts.SQRLOnly = s.Flags.SQRLOnly()
	}
	return opts
}

func tifString(r *protocol.Response) string {
	tif, _, _ := r.TIF()
	return tif.String()
}
