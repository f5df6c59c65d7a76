package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/jpalmerr/pulsequery/config"
	"github.com/jpalmerr/pulsequery/query"
	"github.com/spf13/cobra"
)

// queryCmd groups query management subcommands.
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Manage queries on a running server",
}

var queryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Submit a query",
	Long: `Submit a query to a running server and print its id.

The server stores the query as given. A malformed select or where is
accepted and only fails when the query is evaluated.

Example:
  pulsequery query add --name HAPPY-1 --select 'count(*)' \
    --where '{"text":{"contains":":)"}}'`,
	Args: cobra.NoArgs,
	RunE: runQueryAdd,
}

var queryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queries",
	Args:  cobra.NoArgs,
	RunE:  runQueryList,
}

var queryRemoveCmd = &cobra.Command{
	Use:     "rm <query-id>",
	Aliases: []string{"remove", "cancel"},
	Short:   "Remove a query",
	Args:    cobra.ExactArgs(1),
	RunE:    runQueryRemove,
}

var queryResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove all queries",
	Args:  cobra.NoArgs,
	RunE:  runQueryReset,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.AddCommand(queryAddCmd, queryListCmd, queryRemoveCmd, queryResetCmd)

	queryAddCmd.Flags().String("name", "", "display name")
	queryAddCmd.Flags().StringP("select", "s", "count(*)", "aggregate as 'aggregator(field)'")
	queryAddCmd.Flags().StringP("where", "w", "", "filter tree as JSON")
	queryAddCmd.Flags().String("from", "", "range descriptor as JSON (stored, not evaluated)")

	queryListCmd.Flags().Bool("json", false, "print raw JSON")
}

func runQueryAdd(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	selectFlag, _ := cmd.Flags().GetString("select")
	where, _ := cmd.Flags().GetString("where")
	from, _ := cmd.Flags().GetString("from")

	sel, err := config.ParseSelect(selectFlag)
	if err != nil {
		return err
	}
	def := query.Definition{Name: name, Select: sel}
	if where != "" {
		if !json.Valid([]byte(where)) {
			return fmt.Errorf("--where is not valid JSON")
		}
		def.Where = json.RawMessage(where)
	}
	if from != "" {
		if !json.Valid([]byte(from)) {
			return fmt.Errorf("--from is not valid JSON")
		}
		def.From = json.RawMessage(from)
	}

	// warn locally; the server stores it either way
	if err := def.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: query will not evaluate: %v\n", err)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/queries", def, &created); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), created.ID)
	return nil
}

func runQueryList(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	var qs []query.Query
	if err := client.do(cmd.Context(), http.MethodGet, "/api/queries", nil, &qs); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(qs)
	}

	if len(qs) == 0 {
		fmt.Fprintln(out, "no queries")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSELECT\tWHERE")
	for _, q := range qs {
		where := string(q.Where)
		if where == "" {
			where = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s(%s)\t%s\n", q.ID, q.Name, q.Select.Aggregator, q.Select.Field, where)
	}
	return tw.Flush()
}

func runQueryRemove(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	if err := client.do(cmd.Context(), http.MethodDelete, "/api/queries/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
	return nil
}

func runQueryReset(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/queries/reset", nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d queries\n", resp.Removed)
	return nil
}
