// rfpctl is the CLI client for rfpd. Every command is a thin wrapper over
// the daemon's HTTP API.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	flagURL string

	stateColor = map[string]*color.Color{
		"finalized": color.New(color.FgGreen),
		"failed":    color.New(color.FgRed),
	}
)

func main() {
	root := &cobra.Command{
		Use:           "rfpctl",
		Short:         "CLI client for the rfpd proposal builder",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagURL, "url", "", "base URL of rfpd (default $RFP_URL or http://127.0.0.1:8790)")

	root.AddCommand(
		cmdRun(),
		cmdAttach(),
		cmdList(),
		cmdShow(),
		cmdCode(),
		cmdRegenerate(),
		cmdExport(),
		cmdDoctor(),
	)

	if err := root.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func baseURL() string {
	if strings.TrimSpace(flagURL) != "" {
		return strings.TrimRight(flagURL, "/")
	}
	if env := os.Getenv("RFP_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	return "http://127.0.0.1:8790"
}

func authToken() string { return strings.TrimSpace(os.Getenv("RFP_AUTH_TOKEN")) }

func newRequest(method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := authToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func doJSON(method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}
	req, err := newRequest(method, path, buf)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: 10 * time.Minute}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func cmdRun() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "run <input.json>",
		Short: "Start a pipeline run from an input file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var input map[string]any
			if err := json.Unmarshal(raw, &input); err != nil {
				return fmt.Errorf("input file is not valid JSON: %w", err)
			}
			if wait {
				var res map[string]any
				if err := doJSON("POST", "/v1/pipeline", input, &res); err != nil {
					return err
				}
				printJSON(res)
				return nil
			}
			var res struct {
				RunID string `json:"run_id"`
			}
			if err := doJSON("POST", "/v1/runs", input, &res); err != nil {
				return err
			}
			color.Green("run started: %s", res.RunID)
			fmt.Printf("attach with: rfpctl attach %s\n", res.RunID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "run synchronously and print the result")
	return cmd
}

func cmdAttach() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <run_id>",
		Short: "Stream a run's events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamEvents("/v1/runs/" + args[0] + "/events")
		},
	}
}

func streamEvents(path string) error {
	req, err := newRequest("GET", path, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			TS      time.Time `json:"ts"`
			Stage   string    `json:"stage"`
			Status  string    `json:"status"`
			Message string    `json:"message"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		row := fmt.Sprintf("%s  %-18s %-10s %s", ev.TS.Format("15:04:05"), ev.Stage, ev.Status, ev.Message)
		switch ev.Status {
		case "failed":
			color.Red("%s", row)
		case "finalized", "completed":
			color.Green("%s", row)
		default:
			fmt.Println(row)
		}
		if ev.Stage == "pipeline" && (ev.Status == "finalized" || ev.Status == "failed") {
			return nil
		}
	}
	return scanner.Err()
}

func cmdList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []struct {
				ID        string    `json:"id"`
				State     string    `json:"state"`
				UpdatedAt time.Time `json:"updated_at"`
			}
			if err := doJSON("GET", "/v1/runs", nil, &runs); err != nil {
				return err
			}
			for _, run := range runs {
				state := run.State
				if c, ok := stateColor[state]; ok {
					state = c.Sprint(state)
				}
				fmt.Printf("%s  %-12s %s\n", run.ID, state, run.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func cmdShow() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run and its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := doJSON("GET", "/v1/runs/"+args[0], nil, &out); err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
}

func cmdCode() *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "code <run_id>",
		Short: "Print a run's document code snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/runs/" + args[0] + "/code"
			if stage != "" {
				path += "?stage=" + stage
			}
			var out struct {
				Seq   int    `json:"seq"`
				Stage string `json:"stage"`
				Code  string `json:"code"`
			}
			if err := doJSON("GET", path, nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "snapshot %02d (%s)\n", out.Seq, out.Stage)
			fmt.Println(out.Code)
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "snapshot label (default: latest)")
	return cmd
}

func cmdRegenerate() *cobra.Command {
	var comment, codeFile string
	cmd := &cobra.Command{
		Use:   "regenerate <run_id>",
		Short: "Revise a finished run's document from its latest code",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(comment) == "" && codeFile == "" {
				return fmt.Errorf("--comment or --code-file is required")
			}
			body := map[string]any{"comment": comment}
			if codeFile != "" {
				code, err := os.ReadFile(codeFile)
				if err != nil {
					return err
				}
				body["document_code"] = string(code)
			}
			var res map[string]any
			if err := doJSON("POST", "/v1/runs/"+args[0]+"/regenerate", body, &res); err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&comment, "comment", "", "revision guidance for the generator")
	cmd.Flags().StringVar(&codeFile, "code-file", "", "run this edited code as-is instead of regenerating")
	return cmd
}

func cmdExport() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <run_id>",
		Short: "Download a run's full directory as a zip",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = args[0] + ".zip"
			}
			req, err := newRequest("GET", "/v1/runs/"+args[0]+"/export", nil)
			if err != nil {
				return err
			}
			resp, err := (&http.Client{Timeout: 10 * time.Minute}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("export: %s", resp.Status)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			n, err := io.Copy(f, resp.Body)
			if err != nil {
				return err
			}
			color.Green("wrote %s (%d bytes)", out, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path (default <run_id>.zip)")
	return cmd
}

func cmdDoctor() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check connectivity to rfpd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("url:  %s\n", baseURL())
			if authToken() != "" {
				fmt.Println("auth: bearer token set")
			} else {
				fmt.Println("auth: none")
			}
			var out map[string]any
			if err := doJSON("GET", "/healthz", nil, &out); err != nil {
				color.Red("daemon unreachable: %v", err)
				return err
			}
			color.Green("daemon healthy")
			return nil
		},
	}
}
