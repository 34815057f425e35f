// Command cansend installs the configured bus and transmits one file with the
// chunked engine, then exits.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/device"
	"github.com/can-bridge/internal/logging"
	"github.com/can-bridge/internal/params"
	"github.com/can-bridge/internal/transmit"
)

// fixedParams serves parameters that were resolved once at startup.
type fixedParams params.Params

func (f fixedParams) Load() params.Params { return params.Params(f) }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run transmits the file named in args and returns the process exit code:
// 0 on success, 1 when the run failed and 2 on usage errors.
func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("cansend", flag.ContinueOnError)
	var (
		file     = fs.String("file", "", "file to transmit (required)")
		gap      = fs.String("gap", "", "override packet_gap in ms")
		interval = fs.String("interval", "", "override chunk_interval in ms")
		id1      = fs.String("id1", "", "override first frame id (hex)")
		id2      = fs.String("id2", "", "override second frame id (hex)")
		verbose  = fs.Bool("v", false, "log each chunk")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer logger.Sync()

	p := params.NewStore(cfg.Storage.ParamsPath(), logger).Load()
	if err := applyOverrides(&p, *gap, *interval, *id1, *id2); err != nil {
		logger.Error("Invalid override", zap.Error(err))
		return 2
	}

	bus, err := device.Open(cfg.Bus)
	if bus == nil {
		logger.Error("Failed to create CAN driver", zap.Error(err))
		return 1
	}
	defer bus.Close()
	if err != nil {
		logger.Error("CAN driver install failed", zap.Error(err))
	}

	f, err := os.Open(*file)
	if err != nil {
		logger.Error("Failed to open file", zap.Error(err))
		return 1
	}
	defer f.Close()

	engine := transmit.NewEngine(fixedParams(p), bus, logger)
	res, err := engine.Run(f)
	fmt.Fprintln(stdout, res.Message())
	if err != nil || res.Failures > 0 {
		return 1
	}
	return 0
}

// applyOverrides replaces the fields named on the command line
func applyOverrides(p *params.Params, gap, interval, id1, id2 string) error {
	if gap != "" {
		v, err := strconv.ParseUint(gap, 10, 32)
		if err != nil {
			return fmt.Errorf("gap: %w", err)
		}
		p.PacketGapMs = uint32(v)
	}
	if interval != "" {
		v, err := strconv.ParseUint(interval, 10, 32)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		p.ChunkIntervalMs = uint32(v)
	}
	if id1 != "" {
		id, err := can.ParseID(id1)
		if err != nil {
			return fmt.Errorf("id1: %w", err)
		}
		p.ID1 = id
	}
	if id2 != "" {
		id, err := can.ParseID(id2)
		if err != nil {
			return fmt.Errorf("id2: %w", err)
		}
		p.ID2 = id
	}
	return nil
}
