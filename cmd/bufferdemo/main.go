// bufferdemo measures in-process append throughput of a buffer.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"golang.org/x/time/rate"

	defaults "github.com/xtxerr/acqbuf/config"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/storage/buffer"
	"github.com/xtxerr/acqbuf/internal/storage/config"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

var log = logging.Component("bufferdemo")

func main() {
	n := flag.Int("n", defaults.DefaultDemoRecords, "number of records to append")
	chunk := flag.Int("s", defaults.DefaultChunkSize, "chunk size")
	channels := flag.Int("c", defaults.DefaultDemoChannels, "number of channels")
	device := flag.String("device", "", "use the analysis channels of a device (overrides -c)")
	hz := flag.Float64("hz", 0, "pace appends at this sampling rate (0 = as fast as possible)")
	medium := flag.String("medium", defaults.DefaultMedium, "durable medium: duckdb or wal")
	backing := flag.String("backing", defaults.DefaultBackingName, "backing medium name (empty = temporary)")
	keep := flag.Bool("keep", false, "keep the backing medium after cleanup")
	cfgPath := flag.String("config", "", "buffer config file (flags above override it)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	logging.InitAuto(logging.ParseLevel(*logLevel))

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg, err := buildConfig(*cfgPath, set, configFlags{
		chunk:   *chunk,
		width:   *channels,
		device:  *device,
		medium:  *medium,
		backing: *backing,
		keep:    *keep,
	})
	if err == nil {
		err = run(cfg, *n, *hz)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "bufferdemo: %v\n", err)
		os.Exit(1)
	}
}

// configFlags are the flag values that describe the buffer.
type configFlags struct {
	chunk   int
	width   int
	device  string
	medium  string
	backing string
	keep    bool
}

// buildConfig starts from the config file, or the defaults without one, and
// applies the flags named in set. Without a file every flag applies.
func buildConfig(cfgPath string, set map[string]bool, f configFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	apply := func(name string) bool { return cfgPath == "" || set[name] }

	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if apply("s") {
		cfg.ChunkSize = f.chunk
	}
	if apply("medium") {
		cfg.Medium = f.medium
	}
	if apply("backing") {
		cfg.BackingName = f.backing
	}
	if apply("keep") {
		cfg.KeepBacking = f.keep
	}

	switch {
	case f.device != "":
		ch, ok := defaults.AnalysisChannels(f.device)
		if !ok {
			return nil, fmt.Errorf("unknown device %q (known: %v)", f.device, defaults.Devices())
		}
		cfg.Channels = ch
	case apply("c") || len(cfg.Channels) == 0:
		cfg.Channels = types.Numbered("ch", f.width)
	}
	return cfg, nil
}

func run(cfg *config.Config, n int, hz float64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	buf, err := buffer.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := buf.Cleanup(); err != nil {
			log.Error("cleanup failed", "error", err)
		}
	}()

	var limiter *rate.Limiter
	if hz > 0 {
		fmt.Println(cfg.CalculateRequirements(hz))
		limiter = rate.NewLimiter(rate.Limit(hz), 1)
	}

	values := make([]float64, len(cfg.Channels))
	start := time.Now()
	appended := 0

	for i := 0; i < n; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				log.Warn("interrupted", "appended", appended)
				break
			}
		} else if ctx.Err() != nil {
			log.Warn("interrupted", "appended", appended)
			break
		}

		for c := range values {
			values[c] = rand.NormFloat64()
		}
		rec := types.NewRecord(values, time.Since(start).Seconds(), nil)
		if err := buf.Append(rec); err != nil {
			return fmt.Errorf("append %d: %w", i, err)
		}
		appended++
	}

	elapsed := time.Since(start)
	fmt.Printf("appended %d records of %d channels in %s (%.0f records/second)\n",
		appended, len(cfg.Channels), elapsed.Round(time.Millisecond), float64(appended)/elapsed.Seconds())
	fmt.Printf("count: %d\n", buf.Count())

	if buf.Count() > 0 {
		recs, err := buf.Query(0, 6)
		if err != nil {
			return err
		}
		fmt.Println("first records:")
		for i, r := range recs {
			fmt.Printf("  %d: %s\n", i, r)
		}
	}

	fmt.Println(buf.Stats())
	return nil
}
