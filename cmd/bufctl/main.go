// bufctl is an interactive shell over hosted buffers.
//
// Buffers are started under an alias and addressed by it:
//
//	> start eeg Fp1,Fp2,Cz eeg.db
//	> append eeg 1.5,2,3 0.004 marker
//	> count eeg
//	> get eeg 0 10
//	> stop eeg
//
// inspect reports on files left behind: a kept DuckDB database, a WAL
// medium directory or a Parquet export.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	prompt "github.com/c-bata/go-prompt"

	defaults "github.com/xtxerr/acqbuf/config"
	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/server"
	"github.com/xtxerr/acqbuf/internal/storage/config"
	"github.com/xtxerr/acqbuf/internal/storage/duckdb"
	"github.com/xtxerr/acqbuf/internal/storage/parquet"
	"github.com/xtxerr/acqbuf/internal/storage/types"
	"github.com/xtxerr/acqbuf/internal/storage/wal"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	server.RunHostIfChild()

	bufferd := flag.String("bufferd", "", "path of the bufferd host binary (default: re-execute this binary)")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	logging.InitAuto(logging.ParseLevel(*logLevel))

	sh := &shell{
		ctx: context.Background(),
		mgr: server.NewManager(&server.ProcessLauncher{
			Path: *bufferd,
			Env:  []string{defaults.LogLevelEnvVar + "=" + *logLevel},
		}),
		handles: make(map[string]server.Handle),
	}

	fmt.Printf("bufctl %s - type help for commands\n", Version)

	p := prompt.New(
		sh.execute,
		sh.complete,
		prompt.OptionPrefix("bufctl> "),
		prompt.OptionTitle("bufctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && sh.exiting
		}),
	)
	p.Run()

	if err := sh.mgr.StopAll(sh.ctx); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// Commands
// =============================================================================

type command struct {
	name  string
	usage string
	help  string
	run   func(sh *shell, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"start", "start <alias> <ch,ch,...> [backing] [duckdb|wal]", "host a new buffer", (*shell).start},
		{"append", "append <alias> <v,v,...> [timestamp] [aux]", "append one record", (*shell).append},
		{"count", "count <alias>", "print the record count", (*shell).count},
		{"get", "get <alias> <start> <end>", "print records [start, end)", (*shell).get},
		{"flush", "flush <alias>", "flush resident records", (*shell).flush},
		{"stats", "stats <alias>", "print buffer statistics", (*shell).stats},
		{"stop", "stop <alias>", "clean the buffer up and stop its host", (*shell).stop},
		{"list", "list", "list live buffers as JSON handles", (*shell).list},
		{"inspect", "inspect <path>", "describe a kept .db, a .wal directory or a .parquet file", (*shell).inspect},
		{"devices", "devices", "list device channel presets", (*shell).devices},
		{"help", "help", "show this help", (*shell).help},
		{"exit", "exit", "stop all buffers and quit", (*shell).exit},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

type shell struct {
	ctx     context.Context
	mgr     *server.Manager
	handles map[string]server.Handle
	exiting bool
}

func (sh *shell) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	cmd, ok := lookupCommand(fields[0])
	if !ok {
		fmt.Printf("unknown command %q, type help\n", fields[0])
		return
	}
	if err := cmd.run(sh, fields[1:]); err != nil {
		fmt.Println(describe(err))
	}
}

// describe tells bad input apart from failures worth retrying.
func describe(err error) string {
	switch {
	case errors.IsCallerError(err):
		return fmt.Sprintf("rejected: %v", err)
	case errors.IsRetriable(err):
		return fmt.Sprintf("error: %v (the command may be retried)", err)
	default:
		return fmt.Sprintf("error: %v", err)
	}
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	words := strings.Fields(d.TextBeforeCursor())
	word := d.GetWordBeforeCursor()

	// Completing the command itself.
	if len(words) == 0 || (len(words) == 1 && word != "") {
		s := make([]prompt.Suggest, 0, len(commands))
		for _, c := range commands {
			s = append(s, prompt.Suggest{Text: c.name, Description: c.help})
		}
		return prompt.FilterHasPrefix(s, word, true)
	}

	// Completing the alias argument.
	if (len(words) == 1 && word == "") || (len(words) == 2 && word != "") {
		switch words[0] {
		case "append", "count", "get", "flush", "stats", "stop":
			s := make([]prompt.Suggest, 0, len(sh.handles))
			for alias, h := range sh.handles {
				s = append(s, prompt.Suggest{Text: alias, Description: h.Name})
			}
			sort.Slice(s, func(i, j int) bool { return s[i].Text < s[j].Text })
			return prompt.FilterHasPrefix(s, word, true)
		}
	}
	return nil
}

func (sh *shell) handle(args []string, n int, usage string) (server.Handle, error) {
	if len(args) < n {
		return server.Handle{}, fmt.Errorf("usage: %s", usage)
	}
	h, ok := sh.handles[args[0]]
	if !ok {
		return server.Handle{}, fmt.Errorf("no buffer named %q", args[0])
	}
	return h, nil
}

func (sh *shell) start(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: start <alias> <ch,ch,...> [backing] [duckdb|wal]")
	}
	alias := args[0]
	if _, ok := sh.handles[alias]; ok {
		return fmt.Errorf("buffer %q already exists", alias)
	}

	channels, ok := defaults.AnalysisChannels(args[1])
	if !ok {
		channels = strings.Split(args[1], ",")
	}

	cfg := config.New(channels, "")
	if len(args) > 2 {
		cfg.BackingName = args[2]
	}
	if len(args) > 3 {
		cfg.Medium = args[3]
	}

	h, err := sh.mgr.StartWithConfig(sh.ctx, cfg)
	if err != nil {
		return err
	}
	sh.handles[alias] = h
	fmt.Printf("started %s pid=%d channels=%d\n", alias, h.PID, len(h.Channels))
	return nil
}

func (sh *shell) append(args []string) error {
	const usage = "append <alias> <v,v,...> [timestamp] [aux]"
	h, err := sh.handle(args, 2, usage)
	if err != nil {
		return err
	}

	parts := strings.Split(args[1], ",")
	values := make([]float64, len(parts))
	for i, p := range parts {
		if values[i], err = strconv.ParseFloat(p, 64); err != nil {
			return fmt.Errorf("value %d: %w", i, err)
		}
	}

	var ts float64
	if len(args) > 2 {
		if ts, err = strconv.ParseFloat(args[2], 64); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
	}
	var aux []byte
	if len(args) > 3 {
		aux = []byte(strings.Join(args[3:], " "))
	}

	return sh.mgr.Append(sh.ctx, h, types.NewRecord(values, ts, aux))
}

func (sh *shell) count(args []string) error {
	h, err := sh.handle(args, 1, "count <alias>")
	if err != nil {
		return err
	}
	n, err := sh.mgr.Count(sh.ctx, h)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func (sh *shell) get(args []string) error {
	const usage = "get <alias> <start> <end>"
	h, err := sh.handle(args, 3, usage)
	if err != nil {
		return err
	}
	start, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}

	recs, err := sh.mgr.GetData(sh.ctx, h, start, end)
	if err != nil {
		return err
	}
	for i, r := range recs {
		fmt.Printf("%d: %s\n", start+int64(i), r)
	}
	return nil
}

func (sh *shell) flush(args []string) error {
	h, err := sh.handle(args, 1, "flush <alias>")
	if err != nil {
		return err
	}
	return sh.mgr.Flush(sh.ctx, h)
}

func (sh *shell) stats(args []string) error {
	h, err := sh.handle(args, 1, "stats <alias>")
	if err != nil {
		return err
	}
	s, err := sh.mgr.Stats(sh.ctx, h)
	if err != nil {
		return err
	}
	fmt.Println(s)
	fmt.Printf("path: %s\n", s.Path)
	fmt.Println(s.Calls)
	return nil
}

func (sh *shell) stop(args []string) error {
	h, err := sh.handle(args, 1, "stop <alias>")
	if err != nil {
		return err
	}
	delete(sh.handles, args[0])
	return sh.mgr.Stop(sh.ctx, h)
}

func (sh *shell) list(args []string) error {
	aliases := make([]string, 0, len(sh.handles))
	for alias := range sh.handles {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	for _, alias := range aliases {
		data, err := json.Marshal(sh.handles[alias])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", alias, data)
	}
	return nil
}

func (sh *shell) inspect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: inspect <path>")
	}
	path := args[0]

	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	switch {
	case st.IsDir():
		var batches, records int64
		err := wal.Scan(path, func(b types.RecordBatch) error {
			batches++
			records += int64(b.Len())
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("wal %s: %d batches, %d records\n", path, batches, records)

	case strings.HasSuffix(path, ".parquet"):
		info, err := parquet.GetFileInfo(path)
		if err != nil {
			return err
		}
		fmt.Printf("parquet %s: %d records, %d bytes, channels %v\n", info.Path, info.NumRows, info.Size, info.Channels)

	default:
		info, err := duckdb.Inspect(sh.ctx, path)
		if err != nil {
			return err
		}
		fmt.Printf("duckdb %s: %d records, %d bytes, channels %v\n", info.Path, info.Records, info.Size, info.Channels)
	}
	return nil
}

func (sh *shell) devices(args []string) error {
	for _, d := range defaults.Devices() {
		ch, _ := defaults.AnalysisChannels(d)
		fmt.Printf("%s: %s\n", d, strings.Join(ch, ","))
	}
	return nil
}

func (sh *shell) help(args []string) error {
	for _, c := range commands {
		fmt.Printf("  %-50s %s\n", c.usage, c.help)
	}
	return nil
}

func (sh *shell) exit(args []string) error {
	sh.exiting = true
	return nil
}
