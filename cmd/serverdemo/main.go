// serverdemo records two independent sources into two hosted buffers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	defaults "github.com/xtxerr/acqbuf/config"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/server"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

var log = logging.Component("serverdemo")

func main() {
	server.RunHostIfChild()

	n := flag.Int("n", defaults.DefaultServerDemoRows, "records to append to each buffer")
	dir := flag.String("dir", ".", "directory for the backing media")
	bufferd := flag.String("bufferd", "", "path of the bufferd host binary (default: re-execute this binary)")
	inProcess := flag.Bool("in-process", false, "host buffers on goroutines instead of child processes")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logging.InitAuto(logging.ParseLevel(*logLevel))

	var launcher server.Launcher = &server.ProcessLauncher{
		Path: *bufferd,
		Env:  []string{defaults.LogLevelEnvVar + "=" + *logLevel},
	}
	if *inProcess {
		launcher = server.InProcessLauncher{}
	}

	if err := run(launcher, *dir, *n); err != nil {
		fmt.Fprintf(os.Stderr, "serverdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(launcher server.Launcher, dir string, n int) error {
	ctx := context.Background()
	m := server.NewManager(launcher)
	defer func() {
		if err := m.StopAll(ctx); err != nil {
			log.Error("stop failed", "error", err)
		}
	}()

	channels := []string{"ch1", "ch2", "ch3"}

	h1, err := m.Start(ctx, channels, filepath.Join(dir, "buffer1.db"))
	if err != nil {
		return fmt.Errorf("start buffer1: %w", err)
	}
	h2, err := m.Start(ctx, channels, filepath.Join(dir, "buffer2.db"))
	if err != nil {
		return fmt.Errorf("start buffer2: %w", err)
	}
	fmt.Printf("started %s pid=%d and %s pid=%d\n", h1, h1.PID, h2, h2.PID)

	start := time.Now()
	var g errgroup.Group
	for i, h := range []server.Handle{h1, h2} {
		i, h := i, h
		g.Go(func() error {
			for j := 0; j < n; j++ {
				v := float64(j)
				rec := types.NewRecord([]float64{v, v + 0.1, v + 0.2}, float64(i*n+j), nil)
				if err := m.Append(ctx, h, rec); err != nil {
					return fmt.Errorf("append to %s: %w", h, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	for _, h := range []server.Handle{h1, h2} {
		count, err := m.Count(ctx, h)
		if err != nil {
			return err
		}
		recs, err := m.GetData(ctx, h, 0, 5)
		if err != nil {
			return err
		}
		lat, err := m.Latency(h)
		if err != nil {
			return err
		}

		fmt.Printf("%s: count=%d\n", h.Name, count)
		for i, r := range recs {
			fmt.Printf("  %d: %s\n", i, r)
		}
		fmt.Printf("  %s\n", lat)
	}

	fmt.Printf("appended %d records in %s\n", 2*n, elapsed.Round(time.Millisecond))

	for _, h := range []server.Handle{h1, h2} {
		if err := m.Stop(ctx, h); err != nil {
			return fmt.Errorf("stop %s: %w", h, err)
		}
	}
	return nil
}
