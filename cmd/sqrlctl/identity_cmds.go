package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sqrl-client/go-core/internal/container"
	"sqrl-client/go-core/internal/identity"
	"sqrl-client/go-core/internal/rescue"
	"sqrl-client/go-core/internal/securestore"
	"sqrl-client/go-core/internal/storage"
)

type identitySummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Current   bool      `json:"current"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func summarize(rec storage.Record, currentID string) identitySummary {
	return identitySummary{
		ID:        rec.ID,
		Name:      rec.Name,
		Current:   rec.ID == currentID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// readNewPassword asks twice and insists both entries match.
func (e *cliEnv) readNewPassword() (string, error) {
	first, err := e.secret("New password", "SQRL_NEW_PASSWORD")
	if err != nil {
		return "", err
	}
	if os.Getenv("SQRL_NEW_PASSWORD") != "" {
		return first, nil
	}
	second, err := e.secret("Repeat password", "SQRL_NEW_PASSWORD")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", fmt.Errorf("%w: passwords do not match", errUsage)
	}
	return first, nil
}

// unlockWithPassword reads the password and unlocks m, mapping a wrong
// password to errAuthentication.
func (rt *runtime) unlockWithPassword(m *identity.Manager) error {
	password, err := rt.env.secret("Password", "SQRL_PASSWORD")
	if err != nil {
		return err
	}
	ok, err := m.UnlockWithPassword(password, rt.cfg.Identity.QuickPass, rt.progress())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: wrong password", errAuthentication)
	}
	return nil
}

func (rt *runtime) unlockWithRescueCode(m *identity.Manager) error {
	code, err := rt.env.secret("Rescue code", "SQRL_RESCUE_CODE")
	if err != nil {
		return err
	}
	ok, err := m.UnlockWithRescueCode(code, rt.progress())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: wrong rescue code", errAuthentication)
	}
	return nil
}

// persist stores the manager's container under its identity id. When the
// id changed (after rotation) the old record is replaced.
func (rt *runtime) persist(m *identity.Manager, name, previousID string) (storage.Record, error) {
	data, err := m.Save()
	if err != nil {
		return storage.Record{}, err
	}
	id, err := m.IdentityID()
	if err != nil {
		return storage.Record{}, err
	}
	rec, err := rt.db.PutIdentity(storage.Record{ID: id, Name: name, Data: data})
	if err != nil {
		return storage.Record{}, err
	}
	if previousID != "" && previousID != id {
		wasCurrent := false
		if cur, err := rt.db.Current(); err == nil {
			wasCurrent = cur.ID == previousID
		}
		if err := rt.db.DeleteIdentity(previousID); err != nil {
			return storage.Record{}, err
		}
		if wasCurrent {
			if err := rt.db.SetCurrent(id); err != nil {
				return storage.Record{}, err
			}
		}
	}
	return rec, nil
}

func withRuntime(env *cliEnv, fn func(rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := env.open()
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(rt, args)
	}
}

func newCreateCommand(env *cliEnv) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new identity and print its rescue code",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			password, err := rt.env.readNewPassword()
			if err != nil {
				return err
			}
			m := rt.newManager("")
			code, err := m.Create(password, rt.progress())
			if err != nil {
				return err
			}
			defer m.Clear()
			rec, err := rt.persist(m, name, "")
			if err != nil {
				return err
			}
			if err := rt.db.SetCurrent(rec.ID); err != nil {
				return err
			}
			return rt.env.printJSON(map[string]any{
				"id":          rec.ID,
				"name":        rec.Name,
				"rescue_code": code.Display(),
			})
		}),
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newListCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored identities",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			records, err := rt.db.Identities()
			if err != nil {
				return err
			}
			currentID := ""
			if cur, err := rt.db.Current(); err == nil {
				currentID = cur.ID
			} else if !errors.Is(err, storage.ErrNoCurrent) {
				return err
			}
			out := make([]identitySummary, 0, len(records))
			for _, rec := range records {
				out = append(out, summarize(rec, currentID))
			}
			return rt.env.printJSON(out)
		}),
	}
}

func newShowCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the plaintext settings of an identity",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			rec, m, err := rt.loadRecord()
			if err != nil {
				return err
			}
			out := map[string]any{
				"id":             rec.ID,
				"name":           rec.Name,
				"password_block": m.HasPasswordBlock(),
				"rescue_block":   m.HasRescueBlock(),
				"previous_block": m.HasPreviousBlock(),
			}
			if s, ok := m.Settings(); ok {
				out["hint_length"] = s.HintLength
				out["idle_minutes"] = s.IdleMinutes
				out["password_seconds"] = s.PasswordSeconds
				out["sqrl_only"] = s.Flags.SQRLOnly()
				out["hard_lock"] = s.Flags.HardLock()
				out["log_n"] = s.LogN
				out["iterations"] = s.Iterations
			}
			return rt.env.printJSON(out)
		}),
	}
}

func newUseCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Make an identity current",
		Args:  cobra.ExactArgs(1),
		RunE: withRuntime(env, func(rt *runtime, args []string) error {
			if err := rt.db.SetCurrent(args[0]); err != nil {
				return err
			}
			return rt.env.printJSON(map[string]any{"current": args[0]})
		}),
	}
}

func newUnlockCommand(env *cliEnv) *cobra.Command {
	var wrapped bool
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Check that an identity unlocks and refresh its unlock caches",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			rec, m, err := rt.loadRecord()
			if err != nil {
				return err
			}
			defer m.Clear()
			method := "password"
			if wrapped {
				method = "wrapped_key"
				ok, err := m.UnlockWithWrappedKey(rt.progress())
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%w: no usable wrapped key", errAuthentication)
				}
			} else if err := rt.unlockWithPassword(m); err != nil {
				return err
			}
			return rt.env.printJSON(map[string]any{
				"id":       rec.ID,
				"unlocked": true,
				"method":   method,
			})
		}),
	}
	cmd.Flags().BoolVar(&wrapped, "wrapped", false, "unlock with the key wrapped by SQRL_WRAP_PASSPHRASE")
	return cmd
}

func newRescueCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "rescue",
		Short: "Print the recovery text of an identity",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			_, m, err := rt.loadRecord()
			if err != nil {
				return err
			}
			text, err := m.RecoveryText()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(rt.env.out, text)
			return err
		}),
	}
}

func newRotateCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Retire the unlock key and issue a new rescue code",
		Long: `rotate needs the current rescue code to recover the unlock key. The old
key is kept in the previous-keys history so sites can be moved over. A new
rescue code is printed and the identity is re-sealed under a new password.`,
		Args: cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			rec, m, err := rt.loadRecord()
			if err != nil {
				return err
			}
			defer m.Clear()
			if err := rt.unlockWithRescueCode(m); err != nil {
				return err
			}
			password, err := rt.env.readNewPassword()
			if err != nil {
				return err
			}
			if err := m.RotateIdentity(nil); err != nil {
				return err
			}
			code, err := rescue.NewCode(nil)
			if err != nil {
				return err
			}
			if err := m.EncryptRescue(code, rt.progress()); err != nil {
				return err
			}
			if err := m.EncryptIdentity(password, rt.progress()); err != nil {
				return err
			}
			next, err := rt.persist(m, rec.Name, rec.ID)
			if err != nil {
				return err
			}
			return rt.env.printJSON(map[string]any{
				"id":            next.ID,
				"previous_id":   rec.ID,
				"previous_keys": m.PreviousKeyCount(),
				"rescue_code":   code.Display(),
			})
		}),
	}
}

func newPasswdCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "passwd",
		Short: "Change the password of an identity",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			rec, m, err := rt.loadRecord()
			if err != nil {
				return err
			}
			defer m.Clear()
			if err := rt.unlockWithPassword(m); err != nil {
				return err
			}
			password, err := rt.env.readNewPassword()
			if err != nil {
				return err
			}
			if err := m.EncryptIdentity(password, rt.progress()); err != nil {
				return err
			}
			if _, err := rt.persist(m, rec.Name, rec.ID); err != nil {
				return err
			}
			return rt.env.printJSON(map[string]any{"id": rec.ID, "password_changed": true})
		}),
	}
}

func newExportCommand(env *cliEnv) *cobra.Command {
	var (
		outPath string
		text    bool
		noPass  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the identity container to a file or stdout",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			rec, m, err := rt.loadRecord()
			if err != nil {
				return err
			}
			data := rec.Data
			if noPass {
				if data, err = m.SaveWithoutPassword(); err != nil {
					return err
				}
			}
			if text {
				if data, err = container.Armor(data); err != nil {
					return err
				}
			}
			if outPath == "" {
				if !text {
					return fmt.Errorf("%w: binary export needs --out", errUsage)
				}
				_, err := fmt.Fprintln(rt.env.out, string(data))
				return err
			}
			return securestore.WriteSecretFile(outPath, data)
		}),
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "output file")
	cmd.Flags().BoolVar(&text, "text", false, "armored SQRLDATA form")
	cmd.Flags().BoolVar(&noPass, "no-password", false, "omit the password block")
	return cmd
}

func newImportCommand(env *cliEnv) *cobra.Command {
	var (
		inPath string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a container or printed recovery text",
		Long: `import accepts a binary or armored container, which is unlocked with its
password, or recovery text, which is unlocked with the rescue code and then
sealed under a new password.`,
		Args: cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			if inPath == "" {
				return fmt.Errorf("%w: --file is required", errUsage)
			}
			raw, err := os.ReadFile(inPath)
			if err != nil {
				return err
			}
			m := rt.newManager("")
			defer m.Clear()

			text := strings.TrimSpace(string(raw))
			isContainer := strings.HasPrefix(string(raw), container.Magic)
			if container.IsText([]byte(text)) {
				raw, isContainer = []byte(text), true
			}
			if isContainer {
				if err := m.Load(raw); err != nil {
					return err
				}
				if !m.HasPasswordBlock() {
					if err := rt.unlockWithRescueCode(m); err != nil {
						return err
					}
				} else if err := rt.unlockWithPassword(m); err != nil {
					return err
				}
			} else {
				if err := m.ImportRecoveryText(text); err != nil {
					return err
				}
				if err := rt.unlockWithRescueCode(m); err != nil {
					return err
				}
			}
			if !m.HasPasswordBlock() {
				password, err := rt.env.readNewPassword()
				if err != nil {
					return err
				}
				if err := m.EncryptIdentity(password, rt.progress()); err != nil {
					return err
				}
			}
			rec, err := rt.persist(m, name, "")
			if err != nil {
				return err
			}
			return rt.env.printJSON(summarize(rec, ""))
		}),
	}
	cmd.Flags().StringVarP(&inPath, "file", "f", "", "container or recovery text file")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func newForgetCommand(env *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "forget",
		Short: "Delete an identity and its cached unlock secrets",
		Args:  cobra.NoArgs,
		RunE: withRuntime(env, func(rt *runtime, _ []string) error {
			rec, err := rt.record()
			if err != nil {
				return err
			}
			if err := rt.db.DeleteIdentity(rec.ID); err != nil {
				return err
			}
			return rt.env.printJSON(map[string]any{"id": rec.ID, "deleted": true})
		}),
	}
}
