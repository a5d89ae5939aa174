package fedavg

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"

	"github.com/medfl/fedavg/common"
	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/core"
	"github.com/medfl/fedavg/internal/privacy"
	"github.com/medfl/fedavg/internal/store/boltdb"
	"github.com/medfl/fedavg/internal/verify"
)

var ledgerCommand = &cli.Command{
	Name:  "ledger",
	Usage: "Inspect or reset the privacy ledger.",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "Print the privacy budget of every client.",
			Flags: toArray(folderFlag, clientFlag, targetEpsilonFlag),
			Action: func(c *cli.Context) error {
				return withLedger(c, func(led *privacy.Ledger) error {
					if c.IsSet(clientFlag.Name) {
						return printJSON(c.App.Writer, led.ClientReport(c.String(clientFlag.Name)))
					}
					return printJSON(c.App.Writer, led.GlobalReport())
				})
			},
		},
		{
			Name:  "reset",
			Usage: "Back up and clear the ledger. Every client gets its full budget back.",
			Flags: toArray(folderFlag, backupFlag, targetEpsilonFlag),
			Action: func(c *cli.Context) error {
				return withLedger(c, func(led *privacy.Ledger) error {
					n, err := led.Reset(c.Context, backupName(c, "ledger"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "privacy ledger reset, %d entries backed up\n", n)
					return nil
				})
			},
		},
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "Inspect or manage the verification status of clients.",
	Subcommands: []*cli.Command{
		{
			Name:  "report",
			Usage: "Count clients per verification status.",
			Flags: toArray(folderFlag),
			Action: func(c *cli.Context) error {
				return withVerifier(c, func(v *verify.Verifier) error {
					rep, err := v.Report(c.Context)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, rep)
				})
			},
		},
		{
			Name:  "history",
			Usage: "Print the status changes of a client.",
			Flags: toArray(folderFlag, clientFlag),
			Action: func(c *cli.Context) error {
				if !c.IsSet(clientFlag.Name) {
					return errors.New("missing --client")
				}
				return withVerifier(c, func(v *verify.Verifier) error {
					h, err := v.History(c.Context, c.String(clientFlag.Name))
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, h)
				})
			},
		},
		{
			Name:  "clean",
			Usage: "Mark outdated verifications as expired.",
			Flags: toArray(folderFlag),
			Action: func(c *cli.Context) error {
				return withVerifier(c, func(v *verify.Verifier) error {
					n, err := v.CleanExpired(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%d verifications expired\n", n)
					return nil
				})
			},
		},
		{
			Name:      "revoke",
			Usage:     "Exclude a client until it registers again.",
			ArgsUsage: "<client id>",
			Flags:     toArray(folderFlag, reasonFlag),
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return errors.New("expecting exactly one client id")
				}
				return withVerifier(c, func(v *verify.Verifier) error {
					return v.Revoke(c.Context, c.Args().First(), c.String(reasonFlag.Name))
				})
			},
		},
		{
			Name:  "reset",
			Usage: "Back up the client records and put every client back to unverified.",
			Flags: toArray(folderFlag, backupFlag),
			Action: func(c *cli.Context) error {
				return withVerifier(c, func(v *verify.Verifier) error {
					n, err := v.Reset(c.Context, backupName(c, "clients"))
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "%d clients reset\n", n)
					return nil
				})
			},
		},
	},
}

var historyCommand = &cli.Command{
	Name:  "history",
	Usage: "Print the committed rounds of a mode.",
	Flags: toArray(folderFlag, modeFlag),
	Action: func(c *cli.Context) error {
		return withStore(c, "historyCmd", func(st *boltdb.Store, _ log.Logger) error {
			mode, err := modeName(c)
			if err != nil {
				return err
			}
			rounds, err := st.Rounds(c.Context, mode)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, rounds)
		})
	},
}

var reportCommand = &cli.Command{
	Name:  "report",
	Usage: "Print the last training report of a mode.",
	Flags: toArray(folderFlag, modeFlag),
	Action: func(c *cli.Context) error {
		return withStore(c, "reportCmd", func(st *boltdb.Store, _ log.Logger) error {
			mode, err := modeName(c)
			if err != nil {
				return err
			}
			buf, err := st.Report(c.Context, mode)
			if errors.Is(err, common.ErrNotFound) {
				return fmt.Errorf("no report for mode %s", mode)
			} else if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, string(buf))
			return nil
		})
	},
}

func withStore(c *cli.Context, name string, fn func(*boltdb.Store, log.Logger) error) error {
	l := logger(c, name)
	st, err := openStore(c.Context, c, l)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st, l)
}

func withLedger(c *cli.Context, fn func(*privacy.Ledger) error) error {
	return withStore(c, "ledgerCmd", func(st *boltdb.Store, l log.Logger) error {
		dp := core.DefaultPrivacyParams()
		led, err := privacy.NewLedger(c.Context, st, c.Float64(targetEpsilonFlag.Name), dp.Delta, clockwork.NewRealClock(), l)
		if err != nil {
			return err
		}
		return fn(led)
	})
}

func withVerifier(c *cli.Context, fn func(*verify.Verifier) error) error {
	return withStore(c, "verifyCmd", func(st *boltdb.Store, l log.Logger) error {
		return fn(verify.NewVerifier(st, clockwork.NewRealClock(), verify.DefaultMaxAge, l))
	})
}

func modeName(c *cli.Context) (string, error) {
	if !c.IsSet(modeFlag.Name) {
		return core.Initial.String(), nil
	}
	k, err := core.ParseKind(c.String(modeFlag.Name))
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

func backupName(c *cli.Context, what string) string {
	if c.IsSet(backupFlag.Name) {
		return c.String(backupFlag.Name)
	}
	return fmt.Sprintf("%s-%s", what, time.Now().UTC().Format("20060102T150405"))
}
