package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nfrund/parley/internal/client"
	"github.com/nfrund/parley/internal/domain"
)

var chatCmd = &cobra.Command{
	Use:   "chat <peer>",
	Short: "Open an interactive chat session with a peer",
	Long: `Opens a live session with the server and exchanges messages with the
given peer. Plain lines are sent as messages. Slash commands:

  /history      reprint the confirmed history
  /who          print the currently online principals
  /delete <id>  delete a message by its id (temp or confirmed)
  /quit         leave`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	peer := domain.Principal(args[0])
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := client.Dial(ctx, serverURL, domain.Principal(principal), peer)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverURL, err)
	}
	defer session.Close()

	// Seed the local view from history so earlier messages show up.
	entries, err := session.History(ctx, peer)
	if err != nil {
		return err
	}
	for _, e := range entries {
		session.Reconciler().ApplyMessage(e.Message)
	}
	printEntries(session)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", principal)
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			printEntries(session)
			continue
		}

		switch {
		case line == "/quit":
			return nil

		case line == "/who":
			for _, p := range session.Online() {
				fmt.Println(p)
			}

		case line == "/history":
			printEntries(session)

		case strings.HasPrefix(line, "/delete "):
			session.Delete(strings.TrimSpace(strings.TrimPrefix(line, "/delete ")))

		default:
			session.SendText(line)
		}
	}
}

func printEntries(session *client.Session) {
	for _, e := range session.Reconciler().Entries() {
		marker := ""
		if e.State == client.StatePending {
			marker = " (sending)"
		}
		fmt.Printf("[%s] %s: %s%s\n",
			e.Message.CreatedAt.Format("15:04:05"), e.Message.From, e.Message.Text, marker)
	}
}
