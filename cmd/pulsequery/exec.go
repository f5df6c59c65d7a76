package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jpalmerr/pulsequery/query"
	"github.com/spf13/cobra"
)

// errReplyReceived stops the replies stream once the awaited reply arrives.
var errReplyReceived = errors.New("reply received")

var execCmd = &cobra.Command{
	Use:   "exec <command>...",
	Short: "Run a shell command on the server host",
	Long: `Run a shell command on the server host and print its output.

The server must have commands enabled. Arguments are joined with spaces and
run with 'sh -c'. The command waits for the reply on the replies
publication unless --wait=false is given.

Example:
  pulsequery exec uptime
  pulsequery exec -- ls -la /var/log`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().Bool("wait", true, "wait for the reply and print it")
	execCmd.Flags().Duration("timeout", 30*time.Second, "how long to wait for the reply")
}

func runExec(cmd *cobra.Command, args []string) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	command := strings.Join(args, " ")
	var accepted struct {
		Seq uint64 `json:"seq"`
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/commands", map[string]string{"command": command}, &accepted); err != nil {
		return err
	}

	wait, _ := cmd.Flags().GetBool("wait")
	if !wait {
		fmt.Fprintf(cmd.OutOrStdout(), "queued #%d\n", accepted.Seq)
		return nil
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var reply query.Reply
	err = client.stream(ctx, "replies", nil, func(ev streamEvent) error {
		var msg streamMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return fmt.Errorf("invalid stream message: %w", err)
		}
		switch msg.Type {
		case "added", "changed":
			var r query.Reply
			if err := json.Unmarshal(msg.Doc, &r); err != nil {
				return fmt.Errorf("invalid reply: %w", err)
			}
			if r.Seq >= accepted.Seq {
				reply = r
				return errReplyReceived
			}
		case "error":
			return errors.New(msg.Error)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errReplyReceived) {
		return err
	}
	if reply.ID == "" {
		return fmt.Errorf("no reply for #%d within %s", accepted.Seq, timeout)
	}
	if reply.Seq > accepted.Seq {
		// a later command finished first and replaced ours
		return fmt.Errorf("reply for #%d superseded by #%d", accepted.Seq, reply.Seq)
	}

	out := cmd.OutOrStdout()
	fmt.Fprint(out, reply.Output)
	if reply.Output != "" && !strings.HasSuffix(reply.Output, "\n") {
		fmt.Fprintln(out)
	}
	if reply.Truncated {
		fmt.Fprintln(cmd.ErrOrStderr(), "(output truncated)")
	}
	if reply.Failed {
		if reply.Error != "" {
			return fmt.Errorf("command failed (exit %d): %s", reply.ExitCode, reply.Error)
		}
		return fmt.Errorf("command failed (exit %d)", reply.ExitCode)
	}
	return nil
}
