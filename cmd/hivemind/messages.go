package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/messaging"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

var (
	msgFrom     string
	msgTo       string
	msgTask     string
	msgTypes    []string
	msgStatuses []string
	msgArchived bool
	msgLimit    int
	msgThread   string
)

var messagesCmd = &cobra.Command{
	Use:   "messages <collective> [query]",
	Short: "Search a collective's messages or show a thread",
	Long: `Search message content with full-text search, newest first. Without a
query every message matching the filters is listed.

Examples:
  hivemind messages launch "schema migration"
  hivemind messages launch --to builder --status pending
  hivemind messages launch --thread <message-id>`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMessages,
}

func init() {
	f := messagesCmd.Flags()
	f.StringVar(&msgFrom, "from", "", "Only messages from this sender")
	f.StringVar(&msgTo, "to", "", "Only messages to this recipient")
	f.StringVar(&msgTask, "task", "", "Only messages about this task")
	f.StringSliceVar(&msgTypes, "type", nil, "Only these message types")
	f.StringSliceVar(&msgStatuses, "status", nil, "Only these statuses")
	f.BoolVar(&msgArchived, "archived", false, "Include archived messages")
	f.IntVar(&msgLimit, "limit", 50, "Maximum number of messages")
	f.StringVar(&msgThread, "thread", "", "Show the reply thread containing this message")
}

func runMessages(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStack(ctx, stackOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	var msgs []models.Message
	if msgThread != "" {
		msgs, err = s.channel.Thread(ctx, msgThread)
	} else {
		filters := messaging.SearchFilters{
			FromID:          msgFrom,
			ToID:            msgTo,
			TaskID:          msgTask,
			IncludeArchived: msgArchived,
			Limit:           msgLimit,
		}
		for _, t := range msgTypes {
			mt := models.MessageType(t)
			if !mt.Valid() {
				return fmt.Errorf("unknown message type %q", t)
			}
			filters.Types = append(filters.Types, mt)
		}
		for _, st := range msgStatuses {
			ms := models.MessageStatus(st)
			if !ms.Valid() {
				return fmt.Errorf("unknown message status %q", st)
			}
			filters.Statuses = append(filters.Statuses, ms)
		}
		query := ""
		if len(args) == 2 {
			query = args[1]
		}
		msgs, err = s.channel.Search(ctx, args[0], query, filters)
	}
	if err != nil {
		return err
	}

	if jsonOutput() {
		return printJSON(msgs)
	}
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, m := range msgs {
		printMessage(m)
	}
	return nil
}

func printMessage(m models.Message) {
	header := fmt.Sprintf("%s %s -> %s  [%s/%s] %s",
		m.CreatedAt.Format("2006-01-02 15:04:05"), m.FromID, m.ToID,
		m.Type, priorityColor(m.Priority), colorMessageStatus(m.Status))
	if m.TaskID != "" {
		header += "  task " + m.TaskID
	}
	fmt.Println(header)
	fmt.Printf("  %s\n", color.New(color.Faint).Sprint(m.ID))
	for _, line := range strings.Split(m.Content, "\n") {
		fmt.Printf("  %s\n", line)
	}
	if m.LastError != "" {
		fmt.Printf("  %s\n", color.RedString(m.LastError))
	}
	fmt.Println()
}

func priorityColor(p models.Priority) string {
	switch p {
	case models.PriorityCritical:
		return color.RedString(string(p))
	case models.PriorityHigh:
		return color.YellowString(string(p))
	default:
		return string(p)
	}
}

func colorMessageStatus(s models.MessageStatus) string {
	switch s {
	case models.MessageFailed:
		return color.RedString(string(s))
	case models.MessagePending:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
