package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mind-engage/lti1p3-tool/internal/config"
	"github.com/mind-engage/lti1p3-tool/internal/db"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/gradebook"
	"github.com/mind-engage/lti1p3-tool/pkg/tool/lti/sqlstore"
)

var (
	dbDriver string
	dbDSN    string
)

// registryCmd groups the commands that work on the SQL registry. Connection
// settings default to DB_DRIVER and DB_DSN.
func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage platform registrations stored in the database",
	}
	cfg := config.Load()
	cmd.PersistentFlags().StringVar(&dbDriver, "driver", cfg.DBDriver, "Database driver: sqlite, postgres")
	cmd.PersistentFlags().StringVar(&dbDSN, "dsn", cfg.DBDSN, "Database DSN")

	cmd.AddCommand(importCmd(), listCmd(), deleteCmd())
	return cmd
}

// gradesCmd inspects and drains the grade outbox. It shares the registry
// connection flags.
func gradesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grades",
		Short: "Inspect and retry queued grade submissions",
	}
	cfg := config.Load()
	cmd.PersistentFlags().StringVar(&dbDriver, "driver", cfg.DBDriver, "Database driver: sqlite, postgres")
	cmd.PersistentFlags().StringVar(&dbDSN, "dsn", cfg.DBDSN, "Database DSN")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List grade submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, done, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer done()
			subs, err := store.ListSubmissions(ctx, gradebook.Status(status), 500)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tISSUER\tUSER\tSTATUS\tRETRIES\tLAST_ERROR")
			for _, s := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", s.ID, s.Issuer, s.UserID, s.Status, s.Retries, s.LastError)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status: pending, ok, failed")

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Publish failed submissions that have retries left",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			store, done, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer done()
			hc := &http.Client{Timeout: config.Load().HTTPTimeout}
			syncer := &gradebook.Syncer{
				Store:     store,
				Registry:  store,
				Connector: func(reg *lti.Registration) *lti.ServiceConnector { return lti.NewServiceConnector(reg, hc) },
			}
			n, err := syncer.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resynced %d submission(s)\n", n)
			return nil
		},
	}
	cmd.AddCommand(list, retry)
	return cmd
}

func openStore(ctx context.Context) (*sqlstore.Store, func(), error) {
	driver, err := db.ParseDriver(dbDriver)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(ctx, driver, dbDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", driver, err)
	}
	return sqlstore.New(conn), func() { _ = conn.Close() }, nil
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <toolconf.yaml>",
		Short: "Upsert every registration of a tool conf file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := lti.ReadToolConf(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, done, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer done()
			n, err := store.Import(ctx, entries)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d registration(s)\n", n)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registrations and their deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, done, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer done()
			entries, err := store.List(ctx)
			if err != nil {
				return err
			}
			if output == "json" {
				type row struct {
					Issuer      string   `json:"issuer"`
					ClientID    string   `json:"client_id"`
					Mode        string   `json:"addressing_mode"`
					Default     bool     `json:"default"`
					Deployments []string `json:"deployment_ids"`
				}
				rows := make([]row, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, row{e.Issuer, e.ClientID, e.Mode.String(), e.Default, e.DeploymentIDs})
				}
				b, _ := json.MarshalIndent(rows, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(b))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ISSUER\tCLIENT_ID\tMODE\tDEFAULT\tDEPLOYMENTS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", e.Issuer, e.ClientID, e.Mode, e.Default, strings.Join(e.DeploymentIDs, ","))
			}
			return tw.Flush()
		},
	}
}

func deleteCmd() *cobra.Command {
	var issuer, clientID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a registration and its deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			store, done, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer done()
			if err := store.Delete(ctx, issuer, clientID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", issuer, clientID)
			return nil
		},
	}
	cmd.Flags().StringVar(&issuer, "issuer", "", "Platform issuer (required)")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client ID (required)")
	_ = cmd.MarkFlagRequired("issuer")
	_ = cmd.MarkFlagRequired("client-id")
	return cmd
}
