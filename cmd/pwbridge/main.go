// Command pwbridge runs Playwright suites and captures browser network
// traffic for coding agents.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/deixis/pwbridge"
	"github.com/deixis/pwbridge/internal/capture"
	"github.com/deixis/pwbridge/internal/cdp"
	"github.com/deixis/pwbridge/internal/config"
	pwmcp "github.com/deixis/pwbridge/internal/mcp"
	"github.com/deixis/pwbridge/internal/metrics"
	"github.com/deixis/pwbridge/internal/report"
	"github.com/deixis/pwbridge/internal/runner"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("pwbridge: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runMain(args)
	case "capture":
		err = captureMain(args)
	case "inspect":
		err = inspectMain(args)
	case "history":
		err = historyMain(args)
	case "mcp":
		err = mcpMain(args)
	case "version":
		fmt.Println(pwbridge.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "pwbridge: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	switch {
	case errors.Is(err, errRunFailed), errors.Is(err, errNoMatch):
		os.Exit(1)
	case err != nil:
		log.Fatal(err)
	}
}

// Sentinel outcomes that exit with status 1 once deferred cleanup has run.
var (
	errRunFailed = errors.New("run failed")
	errNoMatch   = errors.New("no matching response")
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: pwbridge <command> [flags]

Commands:
  run         Run Playwright tests and report the outcome and success token
  capture     Capture network responses from Chrome over DevTools
  inspect     Print lines from a stored run or capture
  history     List recent records (sqlite store only)
  mcp         Start the MCP server
  version     Print the version
  help        Show this help

Use "pwbridge <command> -h" for command-specific flags.`)
}

// stringList collects a repeatable flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// project loads the configuration for the current directory.
func project() (*config.LoadResult, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining workspace: %w", err)
	}
	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return loaded, nil
}

func openStore(loaded *config.LoadResult) (report.Store, error) {
	cfg := loaded.Config
	store, err := report.Open(cfg.Store(), cfg.Report.Path, loaded.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	return store, nil
}

// --- run ---

func runMain(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	projectFlag := fs.String("project", "", "Playwright project (default from .pwbridge or chromium)")
	grepFlag := fs.String("grep", "", "only run tests whose title matches")
	headedFlag := fs.Bool("headed", false, "run browsers headed")
	timeoutFlag := fs.Duration("timeout", -1, "run deadline (e.g. 90s); 0 disables it")
	jsonFlag := fs.Bool("json", false, "output the record as JSON")
	verboseFlag := fs.Bool("v", false, "verbose output")
	var envFlag stringList
	fs.Var(&envFlag, "env", "KEY=VALUE environment overlay (repeatable)")
	_ = fs.Parse(args)

	if fs.NArg() > 1 {
		fmt.Fprintln(os.Stderr, "pwbridge: run takes at most one spec")
		os.Exit(2)
	}

	loaded, err := project()
	if err != nil {
		return err
	}
	cfg := loaded.Config
	overlay, err := config.ParseEnvPairs(envFlag)
	if err != nil {
		return err
	}
	env := make(map[string]string, len(cfg.Run.Env)+len(overlay))
	for k, v := range cfg.Run.Env {
		env[k] = v
	}
	for k, v := range overlay {
		env[k] = v
	}
	proj := *projectFlag
	if proj == "" {
		proj = cfg.Project()
	}
	timeout := cfg.Timeout()
	if *timeoutFlag >= 0 {
		timeout = *timeoutFlag
	}

	store, err := openStore(loaded)
	if err != nil {
		return err
	}
	defer report.Close(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := &runner.Runner{
		Logger:    newLogger(*verboseFlag),
		MaxOutput: cfg.MaxOutputBytes(),
	}
	res, err := r.Run(ctx, runner.Config{
		Spec:       fs.Arg(0),
		Project:    proj,
		Grep:       *grepFlag,
		Headed:     *headedFlag || cfg.Run.Headed,
		Timeout:    timeout,
		Dir:        loaded.ProjectRoot,
		Env:        env,
		Executable: cfg.Run.Executable,
	})
	if err != nil {
		return err
	}

	rec := report.FromRun(res)
	if err := store.Save(rec); err != nil {
		log.Printf("saving run record: %v", err)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		fmt.Print(formatRunCLI(rec))
	}

	if !rec.Success {
		return errRunFailed
	}
	return nil
}

func formatRunCLI(rec *report.Record) string {
	var b []byte
	w := func(format string, args ...any) {
		b = fmt.Appendf(b, format, args...)
	}

	if rec.Success {
		w("ok")
	} else {
		w("FAIL")
	}
	w("  %s  exit %d  %s\n", rec.ID, rec.ExitCode, time.Duration(rec.DurationMS)*time.Millisecond)
	if rec.Token != "" {
		w("token: %s\n", rec.Token)
	}
	if len(rec.Failures) > 0 {
		w("\n")
		for _, f := range rec.Failures {
			w("  [%s] %s:%d %s\n", f.Project, f.File, f.Line, f.Title)
		}
	}
	return string(b)
}

// --- capture ---

func captureMain(args []string) error {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	devtoolsFlag := fs.String("devtools", "", "ws:// DevTools endpoint of a running browser (default: launch Chrome)")
	containsFlag := fs.String("url-contains", "", "only capture responses whose URL contains this text")
	navigateFlag := fs.String("navigate", "", "URL to load once capture has started")
	timeoutFlag := fs.Duration("timeout", 0, "how long to wait for a matching response")
	needleFlag := fs.String("needle", "", "wait for a response body containing this text")
	headedFlag := fs.Bool("headed", false, "launch Chrome headed")
	verboseFlag := fs.Bool("v", false, "verbose output")
	_ = fs.Parse(args)

	loaded, err := project()
	if err != nil {
		return err
	}
	cfg := loaded.Config
	logger := newLogger(*verboseFlag)

	endpoint := *devtoolsFlag
	if endpoint == "" {
		endpoint = cfg.Capture.DevToolsURL
	}
	contains := *containsFlag
	if contains == "" {
		contains = cfg.Capture.URLContains
	}
	wait := cfg.WaitTimeout()
	if *timeoutFlag > 0 {
		wait = *timeoutFlag
	}
	if endpoint == "" && *navigateFlag == "" {
		fmt.Fprintln(os.Stderr, "pwbridge: capture needs -devtools or -navigate")
		os.Exit(2)
	}

	store, err := openStore(loaded)
	if err != nil {
		return err
	}
	defer report.Close(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var filter capture.Filter = capture.AllURLs
	if contains != "" {
		filter = capture.URLContains(contains)
	}
	opts := []capture.Option{
		capture.WithLogger(logger),
		capture.WithPollInterval(cfg.PollInterval()),
		capture.WithBodyTimeout(cfg.BodyTimeout()),
	}

	var (
		sess     *capture.Session
		navigate func(string) error
	)
	if endpoint != "" {
		client, err := cdp.Dial(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("connecting to browser: %w", err)
		}
		defer client.Close()
		page, err := client.FirstPage(ctx)
		if err != nil {
			return fmt.Errorf("attaching to page: %w", err)
		}
		sess, err = capture.Open(ctx, capture.NewWireConn(page), filter, opts...)
		if err != nil {
			return err
		}
		navigate = func(u string) error { return page.Navigate(ctx, u) }
	} else {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", !*headedFlag))
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
		defer cancelAlloc()
		tab, cancelTab := chromedp.NewContext(allocCtx)
		defer cancelTab()
		if err := chromedp.Run(tab); err != nil {
			return fmt.Errorf("launching Chrome: %w", err)
		}
		sess, err = capture.Open(ctx, capture.NewChromedpConn(tab), filter, opts...)
		if err != nil {
			return err
		}
		navigate = func(u string) error { return chromedp.Run(tab, chromedp.Navigate(u)) }
	}

	if *navigateFlag != "" {
		if err := navigate(*navigateFlag); err != nil {
			_ = sess.Close(ctx)
			return fmt.Errorf("navigating to %s: %w", *navigateFlag, err)
		}
	}

	var found bool
	if *needleFlag != "" {
		found = sess.WaitForBody(wait, *needleFlag)
	} else {
		found = sess.WaitForAny(wait)
	}
	if found {
		sess.WaitForSettled(cfg.BodyTimeout())
	}
	_ = sess.Close(ctx)

	rec := report.FromCapture(sess.ID, sess.Exchanges())
	if err := store.Save(rec); err != nil {
		log.Printf("saving capture record: %v", err)
	}

	fmt.Printf("capture %s: %d exchanges\n", rec.ID, len(rec.Exchanges))
	for _, ex := range rec.Exchanges {
		fmt.Printf("  %s\n", ex)
	}
	if !found {
		log.Printf("no matching response within %s", wait)
		return errNoMatch
	}
	return nil
}

// --- inspect ---

func inspectMain(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	streamFlag := fs.String("stream", "", "stdout, stderr or empty for both")
	grepFlag := fs.String("grep", "", "regular expression to filter lines")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "pwbridge: inspect takes one record id")
		os.Exit(2)
	}

	loaded, err := project()
	if err != nil {
		return err
	}
	store, err := openStore(loaded)
	if err != nil {
		return err
	}
	defer report.Close(store)

	rec, err := store.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	lines, err := rec.Lines(*streamFlag, *grepFlag)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

// --- history ---

func historyMain(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limitFlag := fs.Int("n", 20, "number of records to list")
	_ = fs.Parse(args)

	loaded, err := project()
	if err != nil {
		return err
	}
	if loaded.Config.Store() != report.BackendSQLite {
		return errors.New("history needs report.store: sqlite in .pwbridge")
	}
	store, err := openStore(loaded)
	if err != nil {
		return err
	}
	defer report.Close(store)

	entries, err := store.(*report.SQLiteStore).List(*limitFlag)
	if err != nil {
		return err
	}
	for _, e := range entries {
		status := "ok"
		if !e.Success {
			status = "FAIL"
		}
		fmt.Printf("%s  %-7s  %-4s  %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Kind, status, e.ID)
	}
	return nil
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	verboseFlag := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(pwmcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, *httpAddr, newLogger(*verboseFlag))
}

func serve(ctx context.Context, httpAddr string, logger *slog.Logger) error {
	loaded, err := project()
	if err != nil {
		return err
	}
	cfg := loaded.Config

	back, err := openStore(loaded)
	if err != nil {
		return err
	}
	defer report.Close(back)
	store := report.NewLRUStore(cfg.CacheSize(), back)

	r := &runner.Runner{
		Logger:    logger,
		MaxOutput: cfg.MaxOutputBytes(),
	}

	server := pwmcp.NewServer(cfg, r, store, loaded.ProjectRoot, pwmcp.WithLogger(logger))

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
