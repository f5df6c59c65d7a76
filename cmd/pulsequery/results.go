package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jpalmerr/pulsequery/query"
	"github.com/spf13/cobra"
)

// resultsCmd groups result subcommands.
var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect and manage computed results",
}

var resultsListCmd = &cobra.Command{
	Use:   "list <query-id>",
	Short: "Show the results of a query",
	Long: `Show the results of a query in time order.

With --follow the command keeps the connection open and prints each new
result as the server computes it, until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runResultsList,
}

var resultsPushCmd = &cobra.Command{
	Use:   "push <query-id> <value>...",
	Short: "Store a result computed elsewhere",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runResultsPush,
}

var resultsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove all results",
	Args:  cobra.NoArgs,
	RunE:  runResultsReset,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsListCmd, resultsPushCmd, resultsResetCmd)

	resultsListCmd.Flags().BoolP("follow", "f", false, "stream new results until interrupted")
}

// streamMessage is the data of a publication frame.
type streamMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Doc   json.RawMessage `json:"doc"`
	Error string          `json:"error"`
}

func runResultsList(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	queryID := args[0]

	follow, _ := cmd.Flags().GetBool("follow")
	if !follow {
		var rs []query.Result
		if err := client.do(cmd.Context(), http.MethodGet, "/api/queries/"+url.PathEscape(queryID)+"/results", nil, &rs); err != nil {
			return err
		}
		if len(rs) == 0 {
			fmt.Fprintln(out, "no results")
			return nil
		}
		for _, r := range rs {
			printResult(out, r)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the publication replays existing results before "ready"
	return client.stream(ctx, "results", url.Values{"queryId": {queryID}}, func(ev streamEvent) error {
		var msg streamMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return fmt.Errorf("invalid stream message: %w", err)
		}
		switch msg.Type {
		case "added":
			var r query.Result
			if err := json.Unmarshal(msg.Doc, &r); err != nil {
				return fmt.Errorf("invalid result: %w", err)
			}
			printResult(out, r)
		case "error":
			return errors.New(msg.Error)
		}
		return nil
	})
}

func printResult(w io.Writer, r query.Result) {
	values := make([]string, len(r.Values))
	for i, v := range r.Values {
		values[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	fmt.Fprintf(w, "%s  %s\n", r.Time.Format(time.RFC3339), strings.Join(values, " "))
}

func runResultsPush(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	res := query.Result{QueryID: args[0]}
	for _, raw := range args[1:] {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", raw, err)
		}
		res.Values = append(res.Values, v)
	}

	var stored query.Result
	if err := client.do(cmd.Context(), http.MethodPost, "/api/results", res, &stored); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), stored.ID)
	return nil
}

func runResultsReset(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/results/reset", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d results\n", resp.Removed)
	return nil
}
