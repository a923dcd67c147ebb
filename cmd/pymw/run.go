package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dMaggot/pymw/internal/master"
)

var runFileInput bool

var runCmd = &cobra.Command{
	Use:   "run <executable> <input>...",
	Short: "Submit one task per input and print the results in order",
	Long: `run submits one task per input argument, waits for every result and
prints them in submission order. Inputs are parsed as JSON; anything that is
not valid JSON is sent as a string, so numbers arrive as float64 and objects
as map[string]any. The gob codec converts whole numbers to the worker's
integer type; any other typed input needs a worker-side gob registration.
With --file-input each input is a path the worker reads itself.`,
	Example: `  pymw run --launcher python3 worker.py 0 1 2 3 4 5 6 7 8 9
  pymw run -n 8 ./pymw-square $(seq 0 99)
  pymw run --file-input ./pymw-wordcount a.txt b.txt`,
	Args: cobra.MinimumNArgs(2),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runFileInput, "file-input", false, "treat each input as a file path")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return submitAndCollect(ctx, cmd.OutOrStdout(), a.master, args[0], args[1:], runFileInput)
}

// submitAndCollect submits every input, then prints each result in
// submission order followed by the sum of numeric results and the elapsed
// time. Failed tasks are printed and make the command fail.
func submitAndCollect(ctx context.Context, out io.Writer, m *master.Master, executable string, inputs []string, fileInput bool) error {
	start := time.Now()

	ids := make([]string, len(inputs))
	for i, raw := range inputs {
		var opts []master.SubmitOption
		input := parseInput(raw)
		if fileInput {
			input = []string{raw}
			opts = append(opts, master.WithFileInput())
		}
		id, err := m.Submit(executable, input, opts...)
		if err != nil {
			return fmt.Errorf("submit input %q: %w", raw, err)
		}
		ids[i] = id
	}

	var (
		total   float64
		numeric = true
		failed  int
	)
	for i, id := range ids {
		res, err := m.Result(ctx, id)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s\terror: %v\n", inputs[i], err)
			continue
		}
		fmt.Fprintf(out, "%s\t%v\n", inputs[i], res)
		if n, ok := asNumber(res); ok {
			total += n
		} else {
			numeric = false
		}
	}

	if numeric && failed == 0 {
		fmt.Fprintf(out, "The answer is %v\n", total)
	}
	fmt.Fprintf(out, "Total time: %s\n", time.Since(start).Round(time.Millisecond))

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(ids))
	}
	return nil
}

func parseInput(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
