// Package operation provides the per-item actions the scheduler runs after a payload push.
package operation

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/msageha/devfleet/internal/channel"
	"github.com/msageha/devfleet/internal/logx"
	"github.com/msageha/devfleet/internal/model"
)

// PushOnly is the name of the built-in operation that treats a successful push as done.
const PushOnly = "push-only"

// Script runs a configured command per (device, item). Placeholders {device}, {label} and
// {item} are substituted per argument after splitting, so values never re-split.
//
// Exit 0 is success. With retryable_exit_codes empty every other exit is Retry; otherwise the
// listed codes are Retry and the rest Fatal. A stdout line "ERROR: <msg>" is forwarded to the
// sink, and "STATUS: <text>" updates the device status.
type Script struct {
	name      string
	argv      []string
	timeout   time.Duration
	retryable map[int]bool
	runner    channel.Runner
	logger    *logx.Logger
}

func NewScript(name string, cfg model.OperationConfig, runner channel.Runner, logger *logx.Logger) (*Script, error) {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("operation %s: split command: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("operation %s: command is empty", name)
	}
	if runner == nil {
		runner = channel.ExecRunner{}
	}
	if logger == nil {
		logger = logx.Discard()
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	s := &Script{
		name:    name,
		argv:    argv,
		timeout: timeout,
		runner:  runner,
		logger:  logger,
	}
	if len(cfg.RetryableExitCodes) > 0 {
		s.retryable = make(map[int]bool, len(cfg.RetryableExitCodes))
		for _, code := range cfg.RetryableExitCodes {
			s.retryable[code] = true
		}
	}
	return s, nil
}

func (s *Script) Name() string { return s.name }

func (s *Script) Run(ctx context.Context, device, label string, sink model.ResultSink) model.Outcome {
	argv := s.expand(device, label)
	sink.SetStatus(device, s.name+" "+label)

	res := s.runner.Run(ctx, s.timeout, argv[0], argv[1:]...)
	s.forward(device, res.Stdout, sink)

	switch {
	case res.TimedOut:
		return model.Retry(fmt.Sprintf("%s timed out after %s", s.name, s.timeout))
	case res.ExitCode == 0:
		return model.Success()
	case s.retryable == nil || s.retryable[res.ExitCode]:
		return model.Retry(fmt.Sprintf("%s exit=%d %s", s.name, res.ExitCode, lastLine(res.Stderr)))
	default:
		return model.Fatal(fmt.Sprintf("%s exit=%d %s", s.name, res.ExitCode, lastLine(res.Stderr)))
	}
}

func (s *Script) expand(device, label string) []string {
	item := strings.TrimLeft(label, "0")
	if item == "" {
		item = "0"
	}
	r := strings.NewReplacer("{device}", device, "{label}", label, "{item}", item)
	out := make([]string, len(s.argv))
	for i, a := range s.argv {
		out[i] = r.Replace(a)
	}
	return out
}

func (s *Script) forward(device, stdout string, sink model.ResultSink) {
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "ERROR:"):
			sink.ReportError(device, strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")))
		case strings.HasPrefix(line, "STATUS:"):
			sink.SetStatus(device, strings.TrimSpace(strings.TrimPrefix(line, "STATUS:")))
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strconv.Quote(s)
}

// Runner is what the scheduler calls per item.
type Runner interface {
	Run(ctx context.Context, device, label string, sink model.ResultSink) model.Outcome
}

type pushOnly struct{}

func (pushOnly) Run(_ context.Context, device, label string, sink model.ResultSink) model.Outcome {
	sink.SetStatus(device, "pushed "+label)
	return model.Success()
}

// Lookup resolves an operation by name from the configured set. PushOnly is always present.
func Lookup(name string, ops map[string]model.OperationConfig, runner channel.Runner, logger *logx.Logger) (Runner, error) {
	if name == "" || name == PushOnly {
		return pushOnly{}, nil
	}
	cfg, ok := ops[name]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q (configured: %s)", name, strings.Join(Names(ops), ", "))
	}
	return NewScript(name, cfg, runner, logger)
}

// Names lists the configured operations plus the built-in one, sorted.
func Names(ops map[string]model.OperationConfig) []string {
	names := []string{PushOnly}
	for n := range ops {
		if n != PushOnly {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}
