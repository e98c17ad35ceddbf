package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/observability"
	"github.com/hirepilot/agentruns/internal/types"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// maxReconnects bounds consecutive failed connection attempts.
const maxReconnects = 5

var (
	watchAPIURL string
	watchToken  string
	watchFollow bool
	watchQuiet  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Follow the live progress of a run",
	Long: `Connect to the progress stream of a run and print its events as they
arrive. The merged state is printed on every snapshot and when the run
finishes. The command exits once the run is terminal unless --follow is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchAPIURL, "api-url", "http://localhost:8080", "Base URL of the API server")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Bearer token (default: $AGENTRUNS_TOKEN)")
	watchCmd.Flags().BoolVar(&watchFollow, "follow", false, "Keep watching after the run finished")
	watchCmd.Flags().BoolVarP(&watchQuiet, "quiet", "q", false, "Only print the merged run state, not every event")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}
	token := watchToken
	if token == "" {
		token = os.Getenv("AGENTRUNS_TOKEN")
	}
	if token == "" {
		return errors.New("a bearer token is required (--token or AGENTRUNS_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	w := &watcher{
		client:  &http.Client{},
		url:     streamURL(watchAPIURL, runID),
		token:   token,
		follow:  watchFollow,
		quiet:   watchQuiet,
		printer: observability.NewPrinter(out, useColor(out)),
		errOut:  cmd.ErrOrStderr(),
		view:    &observability.RunView{},
		retry:   2 * time.Second,
	}
	return w.run(ctx)
}

func streamURL(base string, runID uuid.UUID) string {
	return strings.TrimRight(base, "/") + "/api/rex2/runs/" + url.PathEscape(runID.String()) + "/stream"
}

// useColor reports whether out is a terminal that should get ANSI styling.
func useColor(out io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// errWatchDone ends a watch once the run is terminal.
var errWatchDone = errors.New("run finished")

// StreamError is an error event the server sent in place of the stream.
type StreamError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type watcher struct {
	client  *http.Client
	url     string
	token   string
	follow  bool
	quiet   bool
	printer *observability.Printer
	errOut  io.Writer
	view    *observability.RunView
	retry   time.Duration
	lastID  string
}

// run connects and reconnects until the run is terminal, the server rejects
// the stream, or ctx is cancelled.
func (w *watcher) run(ctx context.Context) error {
	failures := 0
	for {
		received, err := w.once(ctx)
		switch {
		case errors.Is(err, errWatchDone), ctx.Err() != nil:
			return nil
		case err != nil:
			var se *StreamError
			if errors.As(err, &se) {
				return err
			}
		}
		if received {
			failures = 0
		}
		failures++
		if failures > maxReconnects {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("giving up after %d attempts: %w", maxReconnects, err)
		}

		if err != nil {
			fmt.Fprintf(w.errOut, "stream interrupted: %v, reconnecting in %s\n", err, w.retry)
		} else {
			fmt.Fprintf(w.errOut, "stream closed, reconnecting in %s\n", w.retry)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.retry):
		}
	}
}

// once reads one connection until it ends. received reports whether at least
// one event arrived.
func (w *watcher) once(ctx context.Context) (received bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Accept", "text/event-stream")
	if w.lastID != "" {
		req.Header.Set("Last-Event-ID", w.lastID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	err = observability.ReadFrames(resp.Body, func(f observability.Frame) error {
		if f.Retry > 0 {
			w.retry = f.Retry
		}
		if f.IsComment() || f.Data == "" {
			return nil
		}
		received = true
		return w.handle(f)
	})
	return received, err
}

func (w *watcher) handle(f observability.Frame) error {
	if f.Event == "error" {
		se := &StreamError{}
		if err := json.Unmarshal([]byte(f.Data), se); err != nil {
			se.Code = "stream_error"
			se.Message = f.Data
		}
		w.printer.PrintError(se.Code, se.Message)
		return se
	}

	var e types.Event
	if err := json.Unmarshal([]byte(f.Data), &e); err != nil {
		fmt.Fprintf(w.errOut, "skipping %s event: %v\n", f.Event, err)
		return nil
	}
	if f.ID != "" {
		w.lastID = f.ID
	}

	w.view.Apply(e)
	switch {
	case e.Type == types.EventRunSnapshot:
		w.printer.PrintRun(w.view)
	case !w.quiet:
		w.printer.PrintEvent(e)
	}

	if w.view.Done() && (e.Type.IsTerminal() || e.Type == types.EventRunSnapshot) {
		if e.Type != types.EventRunSnapshot {
			w.printer.PrintRun(w.view)
		}
		if !w.follow {
			return errWatchDone
		}
	}
	return nil
}
