package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/surfdeck/surfdeck/internal/output"
	"github.com/surfdeck/surfdeck/internal/sessions"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions",
	Long:  "List active sessions from the configured session store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun()
	},
}

var sessionsTerminateCmd = &cobra.Command{
	Use:   "terminate <session-id>",
	Short: "Terminate a session and clean up its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsTerminateRun(args[0])
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsTerminateCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun() error {
	s, err := openSessionStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	active, err := s.ListActive(context.Background())
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(active) == 0 {
		ui.Info("No active sessions.")
		return nil
	}

	table := ui.Table([]string{"Session", "State", "Created", "Last Accessed", "Expires In", "Resources"})
	now := time.Now()
	for _, session := range active {
		table.Append([]string{
			output.Cyan(session.ID),
			output.StateColor(string(session.State)),
			timeAgo(now, session.CreatedAt),
			timeAgo(now, session.LastAccessed),
			formatExpiry(now, session.ExpiresAt),
			fmt.Sprintf("%d", len(session.Resources)),
		})
	}
	return table.Render()
}

func sessionsTerminateRun(id string) error {
	s, err := openSessionStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if dryRun {
		ui.DryRunMsg("Would terminate session %s", id)
		return nil
	}

	ttl := viper.GetDuration("session.ttl")
	sm := sessions.NewManager(s, ttl, nil)
	if err := sm.Terminate(context.Background(), id); err != nil {
		return err
	}
	ui.Success("session %s terminated", id)
	return nil
}

// timeAgo renders a coarse relative timestamp for table display.
func timeAgo(now, t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatExpiry(now, t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	d := t.Sub(now)
	if d <= 0 {
		return output.Yellow("expired")
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
