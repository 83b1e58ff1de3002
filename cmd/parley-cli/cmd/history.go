package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/parley/internal/domain"
)

var historyCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Print the message history with a peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	base, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parsing server url: %w", err)
	}
	base.Path = "/api/history/" + url.PathEscape(args[0])

	req, err := http.NewRequest(http.MethodGet, base.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Parley-Principal", principal)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	var entries []domain.HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("decoding history: %w", err)
	}

	for _, e := range entries {
		who := string(e.From)
		if e.Self {
			who = "me"
		}
		fmt.Printf("[%s] %s: %s\n", e.CreatedAt.Format(time.RFC3339), who, e.Text)
	}
	return nil
}
