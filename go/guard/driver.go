package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	log "github.com/sirupsen/logrus"

	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/ops"
)

// Result is the verdict a driver reports on stdout.
type Result struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// runDriver invokes the driver binary at |path| with |payload| on stdin
// and a per-call deadline. Stderr is forwarded line-wise to the logger;
// stdout must be a single JSON Result. Failures are classified through
// the driver's configured permanent exit codes, defaulting to
// retryable.
func runDriver(ctx context.Context, cfg *config.Config, driver, path string, payload []byte, logger ops.Logger) (Result, error) {
	var timeout = cfg.DriverTimeout(driver)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	var forwarder = ops.NewLogForwardWriter(
		fmt.Sprintf("driver %s stderr", driver), log.InfoLevel, logger)

	var cmd = exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = forwarder

	var err = cmd.Run()
	_ = forwarder.Close()

	if deadline := ctx.Err(); deadline == context.DeadlineExceeded {
		return Result{}, &fault.DriverError{
			Driver:   driver,
			ExitCode: -1,
			Detail:   fmt.Sprintf("timed out after %s", timeout),
		}
	} else if deadline != nil {
		return Result{}, deadline
	}

	if err != nil {
		var exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		var res Result
		var detail = err.Error()
		if jsonErr := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); jsonErr == nil && res.Detail != "" {
			detail = res.Detail
		}
		return Result{}, &fault.DriverError{
			Driver:    driver,
			ExitCode:  exitCode,
			Detail:    detail,
			Permanent: cfg.DriverPermanent(driver, exitCode),
		}
	}

	var res Result
	if err = json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &res); err != nil {
		return Result{}, &fault.DriverError{
			Driver:   driver,
			ExitCode: 0,
			Detail:   fmt.Sprintf("unparseable driver output: %v", err),
		}
	}
	if !res.OK {
		// A clean exit contradicted by ok:false is still a failure.
		return res, &fault.DriverError{
			Driver:   driver,
			ExitCode: 0,
			Detail:   res.Detail,
		}
	}
	return res, nil
}
