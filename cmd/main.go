package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/compresr/credit-reconciler/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "worker":
		runWorkerCommand(args)
	case "replay":
		runReplayCommand(args)
	case "sweep":
		runSweepCommand(args)
	case "version", "-v", "--version":
		fmt.Println("reconciler " + version)
	case "help", "-h", "--help":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", cmd)
		printHelp()
		os.Exit(1)
	}
}

// commonOptions are the flags every command accepts.
type commonOptions struct {
	configPath string
	debug      bool
	rest       []string // positional arguments
}

// parseCommonOptions parses -c/--config and -d/--debug. Unknown flags are an error.
func parseCommonOptions(args []string) (commonOptions, error) {
	var opts commonOptions
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c", "--config":
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", args[i])
			}
			opts.configPath = args[i+1]
			i++
		case "-d", "--debug":
			opts.debug = true
		case "-":
			opts.rest = append(opts.rest, args[i])
		default:
			if strings.HasPrefix(args[i], "-") {
				return opts, fmt.Errorf("unknown option: %s", args[i])
			}
			opts.rest = append(opts.rest, args[i])
		}
	}
	return opts, nil
}

// loadConfig loads .env files, then the YAML config (or defaults), then
// configures logging.
func loadConfig(opts commonOptions) *config.Config {
	loadEnvFiles()

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	setupLogging(cfg.Logging, opts.debug, os.Stderr)
	return cfg
}

// loadEnvFiles loads .env from the working directory if present.
// Variables already set in the environment win.
func loadEnvFiles() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}
}

// setupLogging configures the global zerolog logger.
func setupLogging(cfg config.LoggingConfig, debug bool, out *os.File) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(logWriter(cfg.Format, out)).With().Timestamp().Logger()
}

func logWriter(format string, out *os.File) io.Writer {
	console := format == "console" || (format == "auto" && term.IsTerminal(int(out.Fd())))
	if !console {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func printHelp() {
	fmt.Println("Credit reservation reconciler")
	fmt.Println()
	fmt.Println("Usage: reconciler COMMAND [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  worker               Consume cost verification messages from SQS")
	fmt.Println("  replay [FILE|-]      Process a JSONL file of messages and print the batch result")
	fmt.Println("  sweep                Settle reservations left complete by failed settlements")
	fmt.Println("  version              Print the version")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config FILE    YAML config (defaults apply when omitted)")
	fmt.Println("  -d, --debug          Enable debug logging")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  reconciler worker -c reconciler.yaml")
	fmt.Println("  reconciler replay -c reconciler.yaml dead-letters.jsonl")
	fmt.Println("  cat msgs.jsonl | reconciler replay -")
}
