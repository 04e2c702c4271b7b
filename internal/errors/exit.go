package errors

// Process exit codes shared by the CLI and the Server supervisor.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitRestart = 3
)

// ExitCode maps the error a verb returned to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case Is(err, ErrRestart):
		return ExitRestart
	default:
		return ExitError
	}
}
