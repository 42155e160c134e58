package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"jobscheduler/internal/config"
	"jobscheduler/internal/job"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to a running serve instance.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	server, _ := cmd.Flags().GetString("server")
	keyFile, _ := cmd.Flags().GetString("api-key-file")
	return &apiClient{
		baseURL: strings.TrimRight(server, "/"),
		apiKey:  config.GetSecretFile(keyFile),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", config.GetEnv("JOBSCHEDULER_URL", "http://localhost:8080"), "scheduler base URL")
	cmd.Flags().String("api-key-file", config.GetEnv("API_KEY_FILE", ""), "file holding the API key")
}

// do sends body as JSON and decodes a successful response into out.
func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func scheduleCmd() *cobra.Command {
	var (
		d           job.Descriptor
		constraints []string
		extras      map[string]string
		minLatency  time.Duration
		deadline    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Submit a job (defaults to the sample job 1234 needing charging and wifi)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range constraints {
				c, err := job.ParseConstraint(name)
				if err != nil {
					return err
				}
				d.Constraints = d.Constraints.With(c)
			}
			d.Extras = extras
			d.MinLatencyMs = minLatency.Milliseconds()
			d.DeadlineMs = deadline.Milliseconds()

			var res job.Result
			if err := newAPIClient(cmd).do(http.MethodPost, "/v1/jobs", &d, &res); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Job scheduling failed")
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d scheduled successfully\n", res.ID)
			return nil
		},
	}
	cmd.Flags().IntVar(&d.ID, "id", defaultJobID, "job ID")
	cmd.Flags().StringVar(&d.Service, "service", job.DefaultService, "job service")
	cmd.Flags().StringSliceVar(&constraints, "constraints", []string{"charging", "unmetered_network"}, "required conditions")
	cmd.Flags().StringToStringVar(&extras, "extra", nil, "extras passed to the job service (key=value)")
	cmd.Flags().StringVar(&d.Periodic, "periodic", "", "cron spec for a periodic job, e.g. @every 15m")
	cmd.Flags().DurationVar(&minLatency, "min-latency", 0, "earliest start after submission")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "run regardless of constraints after this")
	addClientFlags(cmd)
	return cmd
}

func cancelCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a job (defaults to 1234)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)
			if all {
				if err := client.do(http.MethodDelete, "/v1/jobs", nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All jobs cancelled")
				return nil
			}

			id := defaultJobID
			if len(args) == 1 {
				var err error
				if id, err = strconv.Atoi(args[0]); err != nil {
					return fmt.Errorf("invalid job ID %q", args[0])
				}
			}
			if err := client.do(http.MethodDelete, "/v1/jobs/"+strconv.Itoa(id), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d cancelled\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "cancel every job")
	addClientFlags(cmd)
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job or list all jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(cmd)
			if len(args) == 0 {
				var list job.ListResponse
				if err := client.do(http.MethodGet, "/v1/jobs", nil, &list); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			}

			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("invalid job ID %q", args[0])
			}
			var st job.Status
			if err := client.do(http.MethodGet, "/v1/jobs/"+args[0], nil, &st); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	addClientFlags(cmd)
	return cmd
}

func conditionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conditions",
		Short: "Show or change the simulated device conditions",
		Example: `  jobscheduler conditions
  jobscheduler conditions --charging --network unmetered`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			patch := map[string]any{}
			for _, name := range []string{"charging", "battery-not-low", "idle", "storage-not-low"} {
				if cmd.Flags().Changed(name) {
					v, _ := cmd.Flags().GetBool(name)
					patch[jsonKey(name)] = v
				}
			}
			if cmd.Flags().Changed("network") {
				v, _ := cmd.Flags().GetString("network")
				patch["network"] = v
			}

			client := newAPIClient(cmd)
			var state map[string]any
			if len(patch) == 0 {
				if err := client.do(http.MethodGet, "/v1/conditions", nil, &state); err != nil {
					return err
				}
			} else if err := client.do(http.MethodPut, "/v1/conditions", patch, &state); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
	cmd.Flags().Bool("charging", false, "device is charging")
	cmd.Flags().Bool("battery-not-low", true, "battery is not low")
	cmd.Flags().Bool("idle", false, "device is idle")
	cmd.Flags().Bool("storage-not-low", true, "storage is not low")
	cmd.Flags().String("network", "none", "network type: none, metered or unmetered")
	addClientFlags(cmd)
	return cmd
}

// jsonKey converts a flag name like battery-not-low to batteryNotLow.
func jsonKey(flag string) string {
	parts := strings.Split(flag, "-")
	for i := 1; i < len(parts); i++ {
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}
