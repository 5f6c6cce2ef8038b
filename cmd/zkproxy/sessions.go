package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ggoodman/zkproxy"
	"github.com/ggoodman/zkproxy/internal/logctx"
	"github.com/ggoodman/zkproxy/sessions"
	"github.com/spf13/cobra"
)

func newSessionsCommand(cfg *zkproxy.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect session records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions recorded in the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.RedisAddr == "" {
				return fmt.Errorf("sessions list needs --redis-addr; in-memory records are private to the serving process")
			}
			store, err := zkproxy.NewStore(*cfg)
			if err != nil {
				return err
			}
			if c, ok := store.(io.Closer); ok {
				defer c.Close()
			}
			recs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			return printRecords(cmd.OutOrStdout(), recs)
		},
	})
	return cmd
}

func printRecords(w io.Writer, recs []*sessions.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tTIMEOUT\tPROXY\tREMOTE\tAGE")
	now := time.Now()
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%dms\t%s\t%s\t%s\n",
			logctx.FormatSessionID(r.ID), r.Timeout, r.ProxyID, r.Remote,
			now.Sub(r.CreatedAt).Truncate(time.Second))
	}
	return tw.Flush()
}
