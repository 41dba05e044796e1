package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/db"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/tag"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			// Open migrates before returning.
			conn, err := db.Open(c.Context, db.Config{Path: cfg.DB.Path, Env: cfg.DB.Env})
			if err != nil {
				return err
			}
			log.Info("database up to date", "path", cfg.DB.Path)
			return conn.Close()
		},
	}
}

func accountCommand() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Inspect and fund accounts",
		Subcommands: []*cli.Command{
			{
				Name:      "topup",
				Usage:     "Credit units to the account bound to a tag",
				ArgsUsage: "UID UNITS",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "create", Usage: "Create the account if the tag is unknown"},
					&cli.StringFlag{Name: "label", Usage: "Label for a created account"},
					&cli.StringFlag{Name: "note", Value: "topup", Usage: "Ledger entry note"},
				},
				Action: accountTopup,
			},
			{
				Name:      "show",
				Usage:     "Show an account and its recent ledger entries",
				ArgsUsage: "UID",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 10, Usage: "Ledger entries to show"},
				},
				Action: accountShow,
			},
		},
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List recorded dispensing sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dispenser", Aliases: []string{"d"}, Usage: "Filter by dispenser id"},
			&cli.StringFlag{Name: "uid", Aliases: []string{"u"}, Usage: "Filter by tag uid"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum sessions"},
		},
		Action: sessionsList,
	}
}

func accountTopup(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: account topup UID UNITS", 2)
	}
	uid := tag.CanonicalHex(c.Args().Get(0))
	if uid == "" {
		return cli.Exit("uid must be hex", 2)
	}
	units, err := types.ParseUnits(c.Args().Get(1))
	if err != nil {
		return cli.Exit(fmt.Sprintf("units: %v", err), 2)
	}

	cfg, log, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, closeDB, err := openStores(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	acct, err := st.accounts.AccountByUID(c.Context, uid)
	if errors.Is(err, store.ErrAccountNotFound) && c.Bool("create") {
		acct, err = st.accounts.UpsertAccount(c.Context, store.AccountSpec{
			UID:    uid,
			Label:  c.String("label"),
			Active: true,
		}, time.Now())
	}
	if err != nil {
		return err
	}

	rec := ledger.NewReconciler(st.accounts, clock.Real{}, log, nil)
	res, err := rec.Credit(c.Context, acct.ID, units, c.String("note"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s %s: %s -> %s\n", acct.ID, uid, res.BalanceBefore, res.BalanceAfter)
	return nil
}

func accountShow(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: account show UID", 2)
	}
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, closeDB, err := openStores(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	acct, err := st.accounts.AccountByUID(c.Context, tag.CanonicalHex(c.Args().Get(0)))
	if err != nil {
		return err
	}
	entries, err := st.accounts.Entries(c.Context, acct.ID, c.Int("limit"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\n", acct.ID)
	fmt.Fprintf(w, "UID\t%s\n", acct.UID)
	fmt.Fprintf(w, "Label\t%s\n", acct.Label)
	fmt.Fprintf(w, "Balance\t%s\n", acct.Balance)
	fmt.Fprintf(w, "Active\t%t\n", acct.Active)
	fmt.Fprintf(w, "Unlimited\t%t\n", acct.Unlimited)
	if acct.ValidFrom != nil || acct.ValidTo != nil {
		fmt.Fprintf(w, "Valid\t%s .. %s\n", fmtTime(acct.ValidFrom), fmtTime(acct.ValidTo))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "WHEN\tKIND\tUNITS\tBALANCE\tSESSION\tNOTE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format(time.DateTime), e.Kind, e.Units, e.BalanceAfter, e.SessionID, e.Note)
	}
	return w.Flush()
}

func sessionsList(c *cli.Context) error {
	cfg, _, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, closeDB, err := openStores(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	recs, err := st.sessions.ListSessions(c.Context, store.SessionFilter{
		DispenserID: c.String("dispenser"),
		UID:         tag.CanonicalHex(c.String("uid")),
		Limit:       c.Int("limit"),
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "OPENED\tDISPENSER\tUID\tML\tCHARGED\tREASON")
	for _, r := range recs {
		reason := string(r.CloseReason)
		if r.Open() {
			reason = "open"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f\t%s\t%s\n",
			r.OpenedAt.Local().Format(time.DateTime), r.DispenserID, shortUID(r.UID), r.DeltaMl, r.ChargedUnits, reason)
	}
	return w.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

// shortUID prints the first eight characters, as the logs do.
func shortUID(uid string) string {
	if len(uid) <= 8 {
		return uid
	}
	return uid[:8] + "…"
}
