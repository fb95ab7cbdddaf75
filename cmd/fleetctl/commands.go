package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/control"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

func newSessionCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Start or stop tenant sessions",
	}

	var watchQR int
	start := &cobra.Command{
		Use:   "start <tenant>",
		Short: "Start a tenant's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.publishOne(args[0], control.CmdSessionStart, control.StartSession{WatchQR: watchQR})
		},
	}
	start.Flags().IntVar(&watchQR, "watch-qr", 0, "seconds to keep pairing codes alive for a watcher")

	stop := &cobra.Command{
		Use:   "stop <tenant>",
		Short: "Stop a tenant's session and keep its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.publishOne(args[0], control.CmdSessionStop, nil)
		},
	}

	logout := &cobra.Command{
		Use:   "logout <tenant>",
		Short: "Stop a tenant's session and discard its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.publishOne(args[0], control.CmdSessionLogout, nil)
		},
	}

	cmd.AddCommand(start, stop, logout)
	return cmd
}

func newConfigCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "config <tenant> [patch-json]",
		Short: "Patch a tenant's bot configuration",
		Long: `Patch a tenant's bot configuration. The patch is a JSON object with the
fields to change, given inline or with --file.

Example:
  fleetctl config tenant_a '{"rate_limit_max": 5, "timezone": "America/Bogota"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			var raw []byte
			switch {
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read patch file: %w", err)
				}
				raw = b
			case len(args) == 2:
				raw = []byte(args[1])
			default:
				return fmt.Errorf("a patch is required")
			}

			var patch model.ConfigPatch
			if err := json.Unmarshal(raw, &patch); err != nil {
				return fmt.Errorf("invalid patch: %w", err)
			}
			return g.publishOne(args[0], control.CmdConfigUpdate, patch)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the patch from a JSON file")
	return cmd
}

func newReminderCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminder",
		Short: "Manage payment reminders",
	}

	var due string
	var every int
	add := &cobra.Command{
		Use:   "add <tenant> <chat-id>",
		Short: "Schedule a payment reminder",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			dueAt, err := time.Parse(time.RFC3339, due)
			if err != nil {
				return fmt.Errorf("invalid --due, want RFC3339: %w", err)
			}
			req := control.AddReminder{ChatID: args[1], DueAt: dueAt}
			if every > 0 {
				req.RecurrenceDays = &every
			}
			return g.publishOne(args[0], control.CmdReminderAdd, req)
		},
	}
	add.Flags().StringVar(&due, "due", "", "due time in RFC3339")
	add.Flags().IntVar(&every, "every", 0, "repeat every N days")
	_ = add.MarkFlagRequired("due")

	cmd.AddCommand(add)
	return cmd
}

func newClientCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage CRM clients",
	}

	status := &cobra.Command{
		Use:       "status <tenant> <chat-id> <LEAD|HOT|CUSTOMER|ARCHIVED|BLOCKED>",
		Short:     "Move a client to another status",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"LEAD", "HOT", "CUSTOMER", "ARCHIVED", "BLOCKED"},
		RunE: func(_ *cobra.Command, args []string) error {
			return g.publishOne(args[0], control.CmdClientStatus, control.SetClientStatus{
				ChatID: args[1],
				Status: model.ClientStatus(strings.ToUpper(args[2])),
			})
		},
	}

	cmd.AddCommand(status)
	return cmd
}

func newBroadcastCmd(g *globals) *cobra.Command {
	var (
		template string
		to       []string
		statuses []string
		limit    int
		media    string
		mimeType string
	)

	cmd := &cobra.Command{
		Use:   "broadcast <tenant>",
		Short: "Launch a broadcast campaign",
		Long: `Launch a broadcast campaign on a tenant's session. Recipients are either
listed with --to or selected from the CRM with --status and --limit.
Every {name} in the template is replaced with the recipient's name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			req := control.RunBroadcast{Template: template}
			for _, chatID := range to {
				req.Recipients = append(req.Recipients, model.Recipient{ChatID: chatID})
			}
			for _, s := range statuses {
				req.Criteria.Statuses = append(req.Criteria.Statuses, model.ClientStatus(strings.ToUpper(s)))
			}
			req.Criteria.Limit = limit

			if media != "" {
				data, err := os.ReadFile(media)
				if err != nil {
					return fmt.Errorf("failed to read media: %w", err)
				}
				req.Media = &model.Media{Data: data, MimeType: mimeType}
			}
			if req.Template == "" && req.Media == nil {
				return fmt.Errorf("a --template or --media is required")
			}
			return g.publishOne(args[0], control.CmdBroadcastRun, req)
		},
	}

	cmd.Flags().StringVarP(&template, "template", "t", "", "message text, {name} is replaced per recipient")
	cmd.Flags().StringSliceVar(&to, "to", nil, "explicit recipient chat ids")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "select CRM clients by status")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum recipients selected from the CRM")
	cmd.Flags().StringVar(&media, "media", "", "path of an image or document to attach")
	cmd.Flags().StringVar(&mimeType, "mime-type", "image/jpeg", "mime type of --media")
	return cmd
}
