package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawd/internal/security"
	"github.com/nextlevelbuilder/clawd/internal/sessions"
)

const sessionNameColumn = 40

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsShowCmd(), sessionsRmCmd())
	return cmd
}

func openStore() (*sessions.Store, error) {
	dir := security.ExpandHome(resolveAgentDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return sessions.NewStore(filepath.Join(dir, "sessions"), logger)
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			items, err := store.List()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			fmt.Printf("%-26s  %s  %-6s  %5s  %s\n",
				"ID", runewidth.FillRight("NAME", sessionNameColumn), "SOURCE", "MSGS", "LAST MESSAGE")
			for _, it := range items {
				name := runewidth.Truncate(it.Name, sessionNameColumn, "…")
				fmt.Printf("%-26s  %s  %-6s  %5d  %s\n",
					it.ID,
					runewidth.FillRight(name, sessionNameColumn),
					it.Source,
					it.MessageCount,
					it.LastMessageAt.Local().Format("2006-01-02 15:04"),
				)
			}
			return nil
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			meta, err := store.Get(args[0])
			if err != nil {
				return err
			}
			records, err := store.Records(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s (%s, %d messages)\n\n", meta.Name, meta.ID, meta.MessageCount)
			for _, rec := range records {
				printRecord(rec)
			}
			return nil
		},
	}
}

func printRecord(rec sessions.Record) {
	switch rec.RecordType {
	case sessions.RecordTypeCompaction:
		fmt.Printf("--- compaction (kept from seq %d) ---\n%s\n\n", rec.FirstKeptSeq, rec.Summary)
		return
	case sessions.RecordTypeMessage:
	default:
		return
	}

	var text []string
	for _, b := range rec.Content {
		switch b.Type {
		case sessions.BlockText:
			text = append(text, b.Text)
		case sessions.BlockToolCall:
			text = append(text, fmt.Sprintf("[tool call: %s]", b.Name))
		}
	}
	body := strings.Join(text, "\n")

	label := string(rec.Role)
	if rec.Role == sessions.RoleToolResult {
		label = fmt.Sprintf("tool:%s", rec.ToolName)
		if rec.IsError {
			label += " (error)"
		}
		if len(body) > 400 {
			body = body[:400] + "…"
		}
	}
	fmt.Printf("%s [%s]\n%s\n\n", label, rec.Timestamp.Local().Format("15:04:05"), body)
}

func sessionsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Deleted %s\n", args[0])
			return nil
		},
	}
}
