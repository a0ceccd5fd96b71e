package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/msageha/devfleet/internal/daemon"
	"github.com/msageha/devfleet/internal/model"
	"github.com/msageha/devfleet/internal/operation"
	"github.com/msageha/devfleet/internal/setup"
	"github.com/msageha/devfleet/internal/status"
	"github.com/msageha/devfleet/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "restarts":
		runRestarts(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "version":
		fmt.Printf("devfleet %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	const usage = "usage: devfleet setup <project_dir> [--devices id1,id2] [--name name] [--payload-root dir]"
	if len(args) < 1 || strings.HasPrefix(args[0], "--") {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	var opts setup.Options
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--devices":
			opts.Devices = strings.Split(flagValue(rest, &i, usage), ",")
		case "--name":
			opts.ProjectName = flagValue(rest, &i, usage)
		case "--payload-root":
			opts.PayloadRoot = flagValue(rest, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", rest[i], usage)
			os.Exit(1)
		}
	}

	base, err := setup.Run(args[0], opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
	if len(opts.Devices) == 0 {
		fmt.Printf("Add device serials under devices.ids in %s before running.\n", filepath.Join(base, "config.yaml"))
	}
}

func runRun(args []string) {
	const usage = "usage: devfleet run [--start N] [--limit N] [--op name]"
	var start, limit int
	opName := operation.PushOnly
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--start":
			start = intFlag(args, &i, usage)
		case "--limit":
			limit = intFlag(args, &i, usage)
		case "--op":
			opName = flagValue(args, &i, usage)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}

	stateDir := requireStateDir()
	cfg, err := setup.LoadConfig(stateDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Options{
		StateDir:      stateDir,
		Config:        cfg,
		Start:         model.ItemID(start),
		Limit:         limit,
		Operation:     opName,
		Stderr:        os.Stderr,
		HandleSignals: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	sum, err := d.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	width := cfg.Payload.LabelWidth
	fmt.Printf("succeeded: %d %s\n", len(sum.Succeeded), model.FormatRanges(sum.Succeeded, width))
	fmt.Printf("skipped:   %d %s\n", len(sum.Skipped), model.FormatRanges(sum.Skipped, width))
	if len(sum.Pending) > 0 {
		fmt.Printf("pending:   %d %s\n", len(sum.Pending), model.FormatRanges(sum.Pending, width))
	}
	fmt.Printf("next start: %d (more payloads: %t)\n", sum.NextStart, sum.HasMore)
	if sum.Stopped {
		os.Exit(3)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: devfleet status [--json]\n", a)
			os.Exit(1)
		}
	}

	if err := status.Run(requireStateDir(), jsonOutput, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runRestarts(args []string) {
	const usage = "usage: devfleet restarts <pause <reason>|resume>"
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	client := controlClient()
	var (
		state uds.RestartState
		err   error
	)
	switch args[0] {
	case "pause":
		reason := strings.TrimSpace(strings.Join(args[1:], " "))
		if reason == "" {
			fmt.Fprintln(os.Stderr, usage)
			os.Exit(1)
		}
		state, err = client.PauseRestarts(reason)
	case "resume":
		state, err = client.ResumeRestarts()
	default:
		fmt.Fprintf(os.Stderr, "unknown restarts subcommand: %s\n%s\n", args[0], usage)
		os.Exit(1)
	}
	exitOnControlError("restarts "+args[0], err)
	if state.Paused {
		fmt.Printf("restarts paused: %s\n", state.Reason)
	} else {
		fmt.Println("restarts enabled")
	}
}

func runStop(args []string) {
	force := false
	for _, a := range args {
		switch a {
		case "--force":
			force = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: devfleet stop [--force]\n", a)
			os.Exit(1)
		}
	}
	_, err := controlClient().Stop(force)
	exitOnControlError("stop", err)
	if force {
		fmt.Println("stop requested; in-flight items are being cancelled")
	} else {
		fmt.Println("stop requested; in-flight items will finish first")
	}
}

func controlClient() *uds.Client {
	return uds.NewClient(filepath.Join(requireStateDir(), uds.DefaultSocketName))
}

func exitOnControlError(command string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
}

func requireStateDir() string {
	dir := setup.Find()
	if dir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'devfleet setup <dir>' first.\n", setup.StateDirName)
		os.Exit(1)
	}
	return dir
}

func flagValue(args []string, i *int, usage string) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n%s\n", args[*i], usage)
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func intFlag(args []string, i *int, usage string) int {
	name := args[*i]
	v := flagValue(args, i, usage)
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		fmt.Fprintf(os.Stderr, "%s: invalid value %q\n%s\n", name, v, usage)
		os.Exit(1)
	}
	return n
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `devfleet %s - run work items across a fleet of Android devices

Usage: devfleet <command> [options]

Commands:
  setup <dir> [--devices a,b] [--name n] [--payload-root dir]
                              Initialize .devfleet/ in a project directory
  run [--start N] [--limit N] [--op name]
                              Process payloads across the configured devices
  status [--json]             Show the running fleet or the last run summary
  restarts pause <reason>     Suppress automatic device restarts
  restarts resume             Re-enable automatic device restarts
  stop [--force]              Stop the running fleet
  version                     Print version
  help                        Show this help

Exit codes of run: 0 done, 1 error, 2 another run is active, 3 stopped early.
`, version)
}
