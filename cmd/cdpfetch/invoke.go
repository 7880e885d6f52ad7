package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"cdpfetch/pkg/api"
	"cdpfetch/pkg/model"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
)

type invokeFlags struct {
	eventFile string
	headers   []string
	output    string
	json      bool
	trace     bool
}

func newInvokeCmd(a *app) *cobra.Command {
	var f invokeFlags

	cmd := &cobra.Command{
		Use:   "invoke [url]",
		Short: "Run a single fetch invocation",
		Long: "Run one invocation. The event is built from the URL argument and --header flags,\n" +
			"read from --event-file, or read from stdin as {\"url\": \"...\", \"headers\": {...}}.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := buildEvent(cmd.InOrStdin(), stdinIsPipe(), args, f)
			if err != nil {
				return err
			}
			return a.runInvoke(cmd, raw, f)
		},
	}

	cmd.Flags().StringVarP(&f.eventFile, "event-file", "e", "", "Read the invocation event from a JSON file (- for stdin)")
	cmd.Flags().StringArrayVarP(&f.headers, "header", "H", nil, "Override a request header, as name=value (repeatable)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write the body to a file instead of stdout")
	cmd.Flags().BoolVar(&f.json, "json", false, "Write a JSON envelope instead of the raw body")
	cmd.Flags().BoolVar(&f.trace, "trace", false, "Print stage events to stderr")

	return cmd
}

func (a *app) runInvoke(cmd *cobra.Command, raw []byte, f invokeFlags) error {
	var (
		events chan model.Event
		wg     sync.WaitGroup
	)
	opts := api.Options{Config: a.cfg, Logger: a.log, Metrics: a.metrics}
	if f.trace {
		events = make(chan model.Event, 64)
		opts.Events = events
		wg.Add(1)
		go func() {
			defer wg.Done()
			printEvents(cmd.ErrOrStderr(), events)
		}()
	}

	svc := a.service(opts)
	res, err := svc.FetchEvent(cmd.Context(), raw)
	if events != nil {
		close(events)
		wg.Wait()
	}
	if err != nil {
		if f.json {
			fmt.Fprintln(cmd.OutOrStdout(), model.ErrorEnvelope(err))
			return &reportedError{err}
		}
		return err
	}
	return writeResult(cmd.OutOrStdout(), res, f)
}

func (a *app) service(opts api.Options) api.Service {
	if a.newService != nil {
		return a.newService(opts)
	}
	return api.NewService(opts)
}

// buildEvent 组装调用事件，优先级：--event-file → URL 参数 → 管道输入
func buildEvent(stdin io.Reader, piped bool, args []string, f invokeFlags) ([]byte, error) {
	if f.eventFile != "" {
		if len(args) > 0 || len(f.headers) > 0 {
			return nil, model.Errorf(model.KindInput, "event", "--event-file cannot be combined with a URL or --header")
		}
		if f.eventFile == "-" {
			return io.ReadAll(stdin)
		}
		raw, err := os.ReadFile(f.eventFile)
		if err != nil {
			return nil, model.Wrap(model.KindInput, "event", err)
		}
		return raw, nil
	}

	if len(args) == 1 {
		event, err := sjson.Set(`{}`, model.URLArg, args[0])
		if err != nil {
			return nil, err
		}
		for _, h := range f.headers {
			name, value, ok := strings.Cut(h, "=")
			name = strings.TrimSpace(name)
			if !ok || name == "" {
				return nil, model.Errorf(model.KindInput, "event", "header %q must be name=value", h)
			}
			// 名称中的 . 和 * 会被 sjson 当作路径语法
			event, err = sjson.Set(event, model.HeadersArg+"."+escapePath(name), value)
			if err != nil {
				return nil, err
			}
		}
		return []byte(event), nil
	}

	if len(f.headers) > 0 {
		return nil, model.Errorf(model.KindInput, "event", "--header requires a URL argument")
	}
	if piped {
		return io.ReadAll(stdin)
	}
	return nil, model.Errorf(model.KindInput, "event", "no event: pass a URL, --event-file or pipe JSON on stdin")
}

func escapePath(s string) string {
	r := strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)
	return r.Replace(s)
}

func stdinIsPipe() bool {
	fd := os.Stdin.Fd()
	return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
}

func writeResult(stdout io.Writer, res *model.Result, f invokeFlags) error {
	var data []byte
	if f.json {
		env, err := res.Envelope()
		if err != nil {
			return err
		}
		data = []byte(env + "\n")
	} else {
		data = res.Body
	}

	if f.output != "" {
		if err := os.WriteFile(f.output, data, 0o644); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		return nil
	}
	_, err := stdout.Write(data)
	return err
}

func printEvents(w io.Writer, events <-chan model.Event) {
	for evt := range events {
		line := fmt.Sprintf("%-10s %-10s %8s", evt.Stage, evt.Status, evt.Duration.Round(time.Millisecond))
		if evt.Err != nil {
			line += "  " + evt.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}
