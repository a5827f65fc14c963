// ABOUTME: Admin CLI for ferry-gateway status, dispatch and audit history
// ABOUTME: Displays connected agents, sends YAML command files and lists ledger rows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Scope       string    `json:"scope"`
	Alive       bool      `json:"alive"`
	ConnectedAt time.Time `json:"connected_at"`
}

type Outcome struct {
	Selector   string   `json:"selector"`
	Matched    int      `json:"matched"`
	Delivered  int      `json:"delivered"`
	Failures   []string `json:"failures"`
	NoMatch    bool     `json:"no_match"`
	Literal    bool     `json:"literal"`
	DispatchID string   `json:"dispatch_id,omitempty"`
}

type Dispatch struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope"`
	Selector  string    `json:"selector"`
	Source    string    `json:"source"`
	Matched   int       `json:"matched"`
	Delivered int       `json:"delivered"`
	Failures  []string  `json:"failures"`
	NoMatch   bool      `json:"no_match"`
	CreatedAt time.Time `json:"created_at"`
}

func (d Dispatch) result() string {
	switch {
	case d.NoMatch:
		return "no_match"
	case d.Delivered == d.Matched:
		return "delivered"
	case d.Delivered == 0:
		return "failed"
	default:
		return "partial"
	}
}

const banner = `
  __                                  _           _
 / _| ___ _ __ _ __ _   _        __ _  __| |_ __ ___ (_)_ __
| |_ / _ \ '__| '__| | | |_____ / _' |/ _' | '_ ' _ \| | '_ \
|  _|  __/ |  | |  | |_| |_____| (_| | (_| | | | | | | | | | |
|_|  \___|_|  |_|   \__, |      \__,_|\__,_|_| |_| |_|_|_| |_|
                    |___/
`

var (
	heading = color.New(color.FgCyan, color.Bold)
	okColor = color.New(color.FgGreen)
	bad     = color.New(color.FgRed)
	dim     = color.New(color.FgHiBlack)
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: ferry-admin [-gateway URL] [command]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  status [-watch] [-interval D]          Health and connected agents (default)")
	fmt.Fprintln(os.Stderr, "  agents [-scope S]                      List agents")
	fmt.Fprintln(os.Stderr, "  dispatch -scope S -file cmd.yaml       Send a YAML command document (- for stdin)")
	fmt.Fprintln(os.Stderr, "  dispatches [-scope S] [-limit N]       Show the dispatch audit ledger")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func main() {
	gateway := flag.String("gateway", getEnv("FERRY_GATEWAY_HTTP", "http://localhost:8080"), "Gateway HTTP URL")
	flag.Usage = usage
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &client{base: strings.TrimSuffix(*gateway, "/"), http: &http.Client{Timeout: 30 * time.Second}}

	cmd, args := "status", []string(nil)
	if flag.NArg() > 0 {
		cmd, args = flag.Arg(0), flag.Args()[1:]
	}

	var err error
	switch cmd {
	case "status":
		err = runStatus(ctx, c, args)
	case "agents":
		err = runAgents(ctx, c, args)
	case "dispatch":
		err = runDispatch(ctx, c, args)
	case "dispatches":
		err = runDispatches(ctx, c, args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	http *http.Client
}

// do sends a request and decodes a JSON response into out.
func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (status %d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) text(ctx context.Context, path string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func runStatus(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "Continuously watch gateway status")
	interval := fs.Duration("interval", 2*time.Second, "Watch interval (with -watch)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*watch {
		printStatus(ctx, c)
		return nil
	}

	// Clear screen and hide cursor
	fmt.Print("\033[2J\033[H\033[?25l")
	defer fmt.Print("\033[?25h")

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		fmt.Print("\033[H")
		printStatus(ctx, c)
		dim.Printf("  [watching every %v - press Ctrl+C to stop]\n", *interval)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printStatus(ctx context.Context, c *client) {
	fmt.Print(banner)

	heading.Println("  Health")
	fmt.Println("  ------")
	status, _, err := c.text(ctx, "/health")
	switch {
	case err != nil:
		bad.Printf("  Gateway:  UNREACHABLE (%v)\n", err)
		return
	case status == http.StatusOK:
		fmt.Print("  Gateway:  ")
		okColor.Println("OK")
	default:
		bad.Printf("  Gateway:  ERROR (status %d)\n", status)
	}

	status, body, err := c.text(ctx, "/health/ready")
	switch {
	case err != nil:
		fmt.Println("  Ready:    UNKNOWN")
	case status == http.StatusOK:
		fmt.Printf("  Ready:    %s\n", body)
	default:
		fmt.Print("  Ready:    ")
		bad.Printf("NOT READY (%s)\n", body)
	}
	fmt.Println()

	heading.Println("  Connected Agents")
	fmt.Println("  ----------------")
	var agents []Agent
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents); err != nil {
		bad.Printf("  Error: %v\n", err)
		return
	}
	printAgentTable(agents)
	fmt.Println()
}

func printAgentTable(agents []Agent) {
	if len(agents) == 0 {
		fmt.Println("  (no agents connected)")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSCOPE\tSTATUS\tCONNECTED")
	fmt.Fprintln(w, "  --\t----\t-----\t------\t---------")
	for _, a := range agents {
		status := "alive"
		if !a.Alive {
			status = "dead"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			a.ID, orDash(a.Name), truncate(orDash(a.Scope), 32), status, a.ConnectedAt.Local().Format("Jan 02 15:04"))
	}
	w.Flush()
}

func runAgents(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	scope := fs.String("scope", "", "Only agents in this scope")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/api/agents"
	if *scope != "" {
		path += "?scope=" + url.QueryEscape(*scope)
	}
	var agents []Agent
	if err := c.do(ctx, http.MethodGet, path, nil, &agents); err != nil {
		return err
	}
	printAgentTable(agents)
	return nil
}

func runDispatch(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	scope := fs.String("scope", "", "Scope whose agents receive the command (required)")
	file := fs.String("file", "", "YAML command document, - for stdin (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *scope == "" || *file == "" {
		return fmt.Errorf("-scope and -file are required")
	}

	var doc []byte
	var err error
	if *file == "-" {
		doc, err = io.ReadAll(os.Stdin)
	} else {
		doc, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("reading command document: %w", err)
	}

	body := map[string]string{
		"scope":    *scope,
		"document": string(doc),
		"source":   "ferry-admin:" + currentUser(),
	}
	var out Outcome
	if err := c.do(ctx, http.MethodPost, "/api/dispatch", body, &out); err != nil {
		return err
	}

	switch {
	case out.NoMatch:
		bad.Printf("no agents matched %q\n", out.Selector)
	case len(out.Failures) == 0:
		okColor.Printf("delivered to %d of %d agents\n", out.Delivered, out.Matched)
	default:
		bad.Printf("delivered to %d of %d agents (%d failed)\n", out.Delivered, out.Matched, len(out.Failures))
		for _, id := range out.Failures {
			fmt.Printf("  failed: %s\n", id)
		}
	}
	if out.DispatchID != "" {
		dim.Printf("dispatch %s\n", out.DispatchID)
	}
	return nil
}

func runDispatches(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("dispatches", flag.ContinueOnError)
	scope := fs.String("scope", "", "Only dispatches to this scope")
	limit := fs.Int("limit", 20, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *scope != "" {
		q.Set("scope", *scope)
	}

	var rows []Dispatch
	if err := c.do(ctx, http.MethodGet, "/api/dispatches?"+q.Encode(), nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("(no dispatches recorded)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSCOPE\tSELECTOR\tRESULT\tDELIVERED\tSOURCE")
	for _, d := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			d.CreatedAt.Local().Format("Jan 02 15:04:05"),
			truncate(d.Scope, 24), truncate(d.Selector, 24), d.result(), d.Delivered, d.Matched, orDash(d.Source))
	}
	return w.Flush()
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
