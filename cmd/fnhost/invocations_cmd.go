package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/fnhost/internal/invocationlog"
)

func (c *cli) newInvocationsCommand() *cobra.Command {
	var (
		function string
		since    time.Duration
		limit    int
		where    string
		running  bool
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "invocations",
		Short: "List recorded function invocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			sel, err := invocationlog.ParseSelector(where)
			if err != nil {
				return err
			}
			h, err := c.openAdminHost()
			if err != nil {
				return err
			}
			defer h.Close()
			q := h.Invocations()
			if q == nil {
				return errors.New("invocation log is disabled")
			}
			ctx := cmd.Context()
			var records []*invocationlog.FunctionInstance
			if running {
				records, err = q.Running(ctx)
				if err == nil {
					records, err = invocationlog.Filter{Where: sel}.Refine(ctx, records)
				}
			} else {
				filter := invocationlog.Filter{FunctionName: function, Where: sel, Limit: limit}
				if since > 0 {
					filter.Since = time.Now().Add(-since)
				}
				records, err = q.Query(ctx, filter)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				for _, rec := range records {
					if err := enc.Encode(rec); err != nil {
						return err
					}
				}
				return nil
			}
			for _, rec := range records {
				status := "running"
				if rec.Completed() {
					status = "ok"
					if !rec.Succeeded {
						status = "failed"
						if rec.Failure != nil {
							status = "failed(" + rec.Failure.Kind + ")"
						}
					}
				}
				line := fmt.Sprintf("%s %s %s started=%s", rec.ID, rec.FunctionName, status, humanize.Time(rec.StartTime))
				if rec.Completed() {
					line += " duration=" + rec.Duration().String()
				}
				if rec.ParentID != "" {
					line += " parent=" + rec.ParentID
				}
				if rec.Failure != nil && rec.Failure.Message != "" {
					line += fmt.Sprintf(" error=%q", rec.Failure.Message)
				}
				if _, err := fmt.Fprintln(out, line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&function, "function", "", "only list invocations of this function")
	flags.DurationVar(&since, "since", 0, "only list invocations started within this window")
	flags.StringVar(&where, "where", "", "LQL selector over the JSON record, e.g. eq{field=/failure/kind,value=timeout}")
	flags.IntVar(&limit, "limit", 50, "maximum records to list (0 lists all)")
	flags.BoolVar(&running, "running", false, "list invocations that started but never completed")
	flags.BoolVar(&asJSON, "json", false, "print one JSON record per line")
	return cmd
}
