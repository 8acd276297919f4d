package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultAddr = "http://localhost:7090"
	addrEnv     = "REVSHARE_ADDR"
	tokenEnv    = "REVSHARE_TOKEN"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "revsharectl:", err)
		os.Exit(1)
	}
}

type client struct {
	addr  string
	token string
	http  *http.Client
	out   io.Writer
}

func (c *client) do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.addr, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		_, err = fmt.Fprintln(c.out, "ok")
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		_, err = c.out.Write(payload)
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(c.out)
	return err
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &client{out: out}
	var timeout time.Duration
	root := &cobra.Command{
		Use:           "revsharectl",
		Short:         "Operate the revenue share daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.addr == "" {
				c.addr = defaultAddr
			}
			if c.token == "" {
				return fmt.Errorf("admin token required (--token or %s)", tokenEnv)
			}
			c.http = &http.Client{Timeout: timeout}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.addr, "addr", os.Getenv(addrEnv), "admin API base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv(tokenEnv), "bearer token carrying revshare scopes")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")

	root.AddCommand(
		closeCmd(c),
		approveCmd(c),
		payoutCmd(c),
		summaryCmd(c),
		obligationsCmd(c),
		setIncomeCmd(c),
		enqueueCmd(c),
		resetCmd(c),
		exportCmd(c),
		settlementCmd(c),
	)
	return root
}

func closeCmd(c *client) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "close [PERIOD_ID]",
		Short: "Run the calculation pass and close a period",
		Long:  "Close a monthly period (YYYY-MM) or a manual range given with --start and --end (inclusive dates).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{}
			switch {
			case len(args) == 1:
				body["period_id"] = args[0]
			case start != "" && end != "":
				body["start"], body["end"] = start, end
			default:
				return fmt.Errorf("period id or --start and --end required")
			}
			return c.do(cmd.Context(), http.MethodPost, "/v1/periods/close", body)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "manual period start (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVar(&end, "end", "", "manual period end (YYYY-MM-DD inclusive or RFC 3339)")
	return cmd
}

func approveCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "approve PERIOD_ID",
		Short: "Approve a closed period and batch its records into obligations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/v1/periods/"+url.PathEscape(args[0])+"/approve", nil)
		},
	}
}

func payoutCmd(c *client) *cobra.Command {
	var adHoc bool
	cmd := &cobra.Command{
		Use:   "payout [PERIOD_ID]",
		Short: "Trigger a payout run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"ad_hoc": adHoc}
			if len(args) == 1 {
				body["period_id"] = args[0]
			} else if !adHoc {
				return fmt.Errorf("period id or --ad-hoc required")
			}
			return c.do(cmd.Context(), http.MethodPost, "/v1/payout-runs", body)
		},
	}
	cmd.Flags().BoolVar(&adHoc, "ad-hoc", false, "settle whatever obligations are due")
	return cmd
}

func summaryCmd(c *client) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "summary PARTNER_ID",
		Short: "Show a partner's cap and revenue share totals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/partners/" + url.PathEscape(args[0]) + "/summary"
			if period != "" {
				path += "?period=" + url.QueryEscape(period)
			}
			return c.do(cmd.Context(), http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "period id (defaults to the current month)")
	return cmd
}

func obligationsCmd(c *client) *cobra.Command {
	var status, period string
	var limit int
	cmd := &cobra.Command{
		Use:   "obligations PARTNER_ID",
		Short: "List a partner's settlement obligations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if status != "" {
				query.Set("status", status)
			}
			if period != "" {
				query.Set("period", period)
			}
			if limit > 0 {
				query.Set("limit", fmt.Sprint(limit))
			}
			path := "/v1/partners/" + url.PathEscape(args[0]) + "/obligations"
			if encoded := query.Encode(); encoded != "" {
				path += "?" + encoded
			}
			return c.do(cmd.Context(), http.MethodGet, path, nil)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&period, "period", "", "period id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}

func setIncomeCmd(c *client) *cobra.Command {
	var income string
	var clients int
	cmd := &cobra.Command{
		Use:   "set-income PARTNER_ID",
		Short: "Update a partner's income and client base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if income == "" {
				return fmt.Errorf("--income required")
			}
			return c.do(cmd.Context(), http.MethodPut, "/v1/partners/"+url.PathEscape(args[0])+"/income", map[string]any{
				"personal_income_monthly": json.Number(income),
				"client_base_count":       clients,
			})
		},
	}
	cmd.Flags().StringVar(&income, "income", "", "monthly personal income")
	cmd.Flags().IntVar(&clients, "clients", 0, "client base count")
	return cmd
}

func enqueueCmd(c *client) *cobra.Command {
	var typ string
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue PARTNER_ID PERIOD_KEY AMOUNT",
		Short: "Queue a referral commission payout",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/v1/obligations", map[string]any{
				"partner_id": args[0],
				"period_key": args[1],
				"amount":     args[2],
				"type":       typ,
				"priority":   priority,
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "referral_commission", "obligation type")
	cmd.Flags().IntVar(&priority, "priority", 0, "claim priority (higher first)")
	return cmd
}

func resetCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "reset OBLIGATION_ID",
		Short: "Return a failed obligation to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/v1/obligations/"+url.PathEscape(args[0])+"/reset", nil)
		},
	}
}

func exportCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "export PERIOD_ID",
		Short: "Write the period's reconciliation reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.do(cmd.Context(), http.MethodPost, "/v1/periods/"+url.PathEscape(args[0])+"/export", nil)
		},
	}
}

func settlementCmd(c *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settlement",
		Short: "Pause, resume or inspect the payout worker",
	}
	for _, action := range []string{"pause", "resume"} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: strings.ToUpper(action[:1]) + action[1:] + " payouts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.do(cmd.Context(), http.MethodPost, "/v1/settlement/"+action, nil)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the payout worker state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.do(cmd.Context(), http.MethodGet, "/v1/settlement/status", nil)
		},
	})
	return cmd
}
