package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"paysync/internal/model"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func deadLettersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect and requeue dead-lettered events",
	}
	cmd.PersistentFlags().String("addr", "http://localhost:8080", "paysync API address")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			limit, _ := cmd.Flags().GetInt("limit")

			var body struct {
				DeadLetters []model.RetryRecord `json:"dead_letters"`
			}
			if err := call(http.MethodGet, addr+"/admin/dead-letters?limit="+strconv.Itoa(limit), &body); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(body.DeadLetters) == 0 {
				fmt.Fprintln(out, "No dead letters.")
				return nil
			}
			for _, r := range body.DeadLetters {
				fmt.Fprintf(out, "%-32s %-32s attempts=%d last_error=%q\n", r.EventID, r.EventType, r.AttemptCount, r.LastError)
			}
			return nil
		},
	}
	list.Flags().IntP("limit", "n", 50, "Maximum results")

	requeue := &cobra.Command{
		Use:   "requeue [event-id]",
		Short: "Reset an event's retry budget and make it due now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			if err := call(http.MethodPost, addr+"/admin/dead-letters/"+url.PathEscape(args[0])+"/requeue", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func call(method, target string, dst any) error {
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, strings.TrimSpace(string(data)))
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(data, dst)
}
