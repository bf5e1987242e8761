// Package shellx runs the external collaborators spec §1/§6 place out of
// core scope: the signtool invocation (§4.6), device-mapper commands
// (§4.5), losetup for loopback devices, and openssl for key generation.
// The partition-table reread does not go through it. Adapted from the
// teacher's internal/utils/shell Executor abstraction; unlike the
// teacher this runs argv slices instead of composing a bash -c string,
// since every collaborator here is a fixed-arity tool invocation rather
// than an interactive shell pipeline.
package shellx

import (
	"bufio"
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
	"github.com/microsoft/cvmboot-sub000/internal/logx"
)

var log = logx.Logger()

// Executor runs external commands on behalf of the lifecycle driver.
// Tests substitute a fake to avoid touching the real device-mapper or
// spawning a real signing tool.
type Executor interface {
	Run(name string, args ...string) (string, error)
	RunSilent(name string, args ...string) (string, error)
	RunStreamed(name string, args ...string) (string, error)
	RunWithInput(input string, name string, args ...string) (string, error)
}

// DefaultExecutor shells out via os/exec.
type DefaultExecutor struct{}

// Default is the process-wide executor; swap it in tests.
var Default Executor = &DefaultExecutor{}

func describe(name string, args []string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}

// Run executes a command and returns combined stdout+stderr.
func (d *DefaultExecutor) Run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	outStr := string(out)
	if err != nil {
		return outStr, cvmerr.New(cvmerr.ExternalTool, describe(name, args), fmt.Errorf("%s: %w", strings.TrimSpace(outStr), err))
	}
	if outStr != "" {
		log.Debugf(outStr)
	}
	return outStr, nil
}

// RunSilent runs a command without logging its output on success.
func (d *DefaultExecutor) RunSilent(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), cvmerr.New(cvmerr.ExternalTool, describe(name, args), err)
	}
	return string(out), nil
}

// RunStreamed runs a command, logging each line of stdout/stderr as it
// arrives. Used for verbose device-mapper activation.
func (d *DefaultExecutor) RunStreamed(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", cvmerr.New(cvmerr.ExternalTool, describe(name, args), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", cvmerr.New(cvmerr.ExternalTool, describe(name, args), err)
	}
	if err := cmd.Start(); err != nil {
		return "", cvmerr.New(cvmerr.ExternalTool, describe(name, args), err)
	}

	var collected strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			collected.WriteString(line)
			collected.WriteByte('\n')
			log.Debugf(line)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Debugf(scanner.Text())
		}
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return collected.String(), cvmerr.New(cvmerr.ExternalTool, describe(name, args), err)
	}
	return collected.String(), nil
}

// RunWithInput runs a command feeding input on stdin, used for the
// sparse_compare/hash-feeding style interactions of external tools that
// accept data on stdin.
func (d *DefaultExecutor) RunWithInput(input string, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdin = bytes.NewBufferString(input)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), cvmerr.New(cvmerr.ExternalTool, describe(name, args), err)
	}
	return string(out), nil
}

// Run is the package-level convenience wrapper over Default.
func Run(name string, args ...string) (string, error) { return Default.Run(name, args...) }

// RunSilent is the package-level convenience wrapper over Default.
func RunSilent(name string, args ...string) (string, error) { return Default.RunSilent(name, args...) }

// RunStreamed is the package-level convenience wrapper over Default.
func RunStreamed(name string, args ...string) (string, error) {
	return Default.RunStreamed(name, args...)
}

// RunWithInput is the package-level convenience wrapper over Default.
func RunWithInput(input, name string, args ...string) (string, error) {
	return Default.RunWithInput(input, name, args...)
}
