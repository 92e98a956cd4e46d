package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/fnhost/internal/causality"
	"pkt.systems/fnhost/internal/queue"
)

func queueTarget(name string, poison bool) string {
	if poison {
		return queue.PoisonName(name)
	}
	return name
}

func (c *cli) newEnqueueCommand() *cobra.Command {
	var parent string
	cmd := &cobra.Command{
		Use:   "enqueue <queue> [body|-]",
		Short: "Append a message to a queue (reads stdin when body is - or omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var body []byte
			if len(args) == 2 && args[1] != "-" {
				body = []byte(args[1])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				body = data
			}
			if len(body) == 0 {
				return errors.New("empty message body")
			}
			if parent = strings.TrimSpace(parent); parent != "" {
				body = causality.SetParent(parent, body)
			}
			h, err := c.openAdminHost()
			if err != nil {
				return err
			}
			defer h.Close()
			ctx := cmd.Context()
			src, err := h.Queues().Open(ctx, args[0], true)
			if err != nil {
				return err
			}
			msg, err := src.Enqueue(ctx, body)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", msg.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "record this invocation id as the message's causal parent")
	return cmd
}

func (c *cli) newCountCommand() *cobra.Command {
	var poison bool
	var limit int
	cmd := &cobra.Command{
		Use:   "count <queue>",
		Short: "Print the approximate number of messages in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			h, err := c.openAdminHost()
			if err != nil {
				return err
			}
			defer h.Close()
			ctx := cmd.Context()
			src, err := h.Queues().Open(ctx, queueTarget(args[0], poison), false)
			if errors.Is(err, queue.ErrQueueNotFound) {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), 0)
				return err
			}
			if err != nil {
				return err
			}
			n, err := src.ApproximateCount(ctx, limit)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), n)
			return err
		},
	}
	cmd.Flags().BoolVar(&poison, "poison", false, "count the poison sibling instead")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop counting after this many messages (0 counts all)")
	return cmd
}

func (c *cli) newPeekCommand() *cobra.Command {
	var poison bool
	var limit int
	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "List messages in a queue without leasing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			h, err := c.openAdminHost()
			if err != nil {
				return err
			}
			defer h.Close()
			ctx := cmd.Context()
			src, err := h.Queues().Open(ctx, queueTarget(args[0], poison), false)
			if errors.Is(err, queue.ErrQueueNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			peeker, ok := src.(queue.Peeker)
			if !ok {
				return fmt.Errorf("queue backend %q does not support peek", h.Config().QueueBackend)
			}
			msgs, err := peeker.Peek(ctx, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, msg := range msgs {
				parent, _ := msg.ParentID()
				if parent == "" {
					parent = "-"
				}
				if _, err := fmt.Fprintf(out, "%s dequeued=%d inserted=%s parent=%s size=%s\n",
					msg.ID, msg.DequeueCount, humanize.Time(msg.InsertedAt), parent,
					humanize.IBytes(uint64(len(msg.Body)))); err != nil {
					return err
				}
				if _, err := fmt.Fprintf(out, "  %s\n", msg.Body); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&poison, "poison", false, "peek the poison sibling instead")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum messages to list")
	return cmd
}
