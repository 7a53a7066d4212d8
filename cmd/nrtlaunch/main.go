package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	root := newRootCmd()
	root.SetArgs(os.Args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			// Container already reported its own failure through syslog
			// and the run log; just pass the code through.
			return exitErr.code
		}
		pslog.Ctx(ctx).With("err", err).Error("nrtlaunch command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nrtlaunch",
		Short:         "Build and run containerized scripts with syslog logging",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newUpCmd())
	root.AddCommand(newBuildCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newBootstrapCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newPruneCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// exitCodeError carries a container's exit code through cobra so the
// process can exit with the same code.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("container exited with code %d", e.code)
}

func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return &exitCodeError{code: code}
}
