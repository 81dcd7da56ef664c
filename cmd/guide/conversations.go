package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/guidepost/internal/config"
	"github.com/zulandar/guidepost/internal/gateway"
	"github.com/zulandar/guidepost/internal/models"
	"github.com/zulandar/guidepost/internal/operator"
)

func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect and close conversations",
	}

	cmd.AddCommand(newConversationsListCmd())
	cmd.AddCommand(newConversationsShowCmd())
	cmd.AddCommand(newConversationsCloseCmd())
	return cmd
}

// openConsole connects to the configured database and returns an operator
// console over it along with the gateway for audit queries.
func openConsole(configPath string) (*config.Config, *gateway.GormGateway, *operator.Console, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	gw, err := gateway.NewGormGateway(gateway.GormOpts{DB: gormDB})
	if err != nil {
		return nil, nil, nil, err
	}
	console, err := operator.NewConsole(operator.ConsoleOpts{Gateway: gw, Guide: cfg.Guide})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, gw, console, nil
}

func newConversationsListCmd() *cobra.Command {
	var (
		configPath string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the guide's conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsList(cmd, configPath, status)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to guidepost config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (active, pending, closed, archived)")
	return cmd
}

func runConversationsList(cmd *cobra.Command, configPath, status string) error {
	if status != "" && !models.Status(status).Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	_, _, console, err := openConsole(configPath)
	if err != nil {
		return err
	}

	list, err := console.List(context.Background())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var shown []models.Conversation
	for _, c := range list {
		if status == "" || c.Status == models.Status(status) {
			shown = append(shown, c)
		}
	}
	if len(shown) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVISITOR\tSTATUS\tVIEWED\tMESSAGES\tUPDATED")
	for _, c := range shown {
		name := c.VisitorName
		if name == "" {
			name = "-"
		}
		viewed := "no"
		if c.ViewedByOperator {
			viewed = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			c.ID, name, c.Status, viewed, len(c.Messages), c.UpdatedAt.UTC().Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func newConversationsShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation transcript and status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to guidepost config file")
	return cmd
}

func runConversationsShow(cmd *cobra.Command, configPath, id string) error {
	_, gw, console, err := openConsole(configPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	c, err := console.Show(ctx, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %s\n", c.ID)
	fmt.Fprintf(out, "Guide:       %s\n", c.GuideSlug)
	fmt.Fprintf(out, "Status:      %s\n", c.Status)
	if c.VisitorName != "" {
		fmt.Fprintf(out, "Visitor:     %s\n", c.VisitorName)
	}
	if c.VisitorContact != "" {
		fmt.Fprintf(out, "Contact:     %s\n", c.VisitorContact)
	}
	fmt.Fprintf(out, "Viewed:      %v\n", c.ViewedByOperator)
	fmt.Fprintf(out, "Created:     %s\n", c.CreatedAt.UTC().Format(time.RFC3339))

	if len(c.Messages) > 0 {
		fmt.Fprintln(out, "\nTranscript:")
		for _, m := range c.Messages {
			fmt.Fprintf(out, "  [%s] %-8s %s\n", m.Timestamp.UTC().Format("15:04:05"), m.From, messageText(m))
		}
	}

	changes, err := gw.StatusChanges(ctx, id)
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(out, "\nStatus history:")
		fmt.Fprintln(w, "  AT\tFROM\tTO\tACTOR\tREASON")
		for _, ch := range changes {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				ch.CreatedAt.UTC().Format(time.RFC3339), ch.FromStatus, ch.ToStatus, ch.Actor, ch.Reason)
		}
		w.Flush()
	}
	return nil
}

// messageText flattens a message to one line, tagging system banners.
func messageText(m models.Message) string {
	text := strings.Join(strings.Fields(m.Text), " ")
	switch {
	case m.Meta.IsClosingMessage:
		return "(closing) " + text
	case m.Meta.IsTransitionMessage:
		return "(transition) " + text
	case m.Meta.FromAIChat:
		return "(ai) " + text
	}
	return text
}

func newConversationsCloseCmd() *cobra.Command {
	var (
		configPath string
		actor      string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a conversation as an operator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationsClose(cmd, configPath, args[0], actor, reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to guidepost config file")
	cmd.Flags().StringVar(&actor, "actor", "operator:cli", "who is closing the conversation")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the status history")
	return cmd
}

func runConversationsClose(cmd *cobra.Command, configPath, id, actor, reason string) error {
	_, _, console, err := openConsole(configPath)
	if err != nil {
		return err
	}
	if err := console.Close(context.Background(), id, actor, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s closed\n", id)
	return nil
}
