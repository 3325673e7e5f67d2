package runner

// InitScriptName is the home-relative path of the bootstrap script that
// KindInit runs. Seeding places it there; environments created without
// one simply skip the bootstrap step.
const InitScriptName = ".denv-init.sh"

// CommandKind selects the behavior of a Run invocation.
type CommandKind int

const (
	// KindInteractive attaches a login shell to the caller's terminal.
	KindInteractive CommandKind = iota

	// KindInit runs the environment's bootstrap script. Used only during
	// creation and reset.
	KindInit

	// KindExec runs a specific argv list.
	KindExec
)

// Command is the tagged variant passed to Runner.Run.
type Command struct {
	Kind CommandKind

	// Argv is the command to run. Only meaningful for KindExec.
	Argv []string

	// ExtraEnv are additional environment variables for the command. Only
	// meaningful for KindExec.
	ExtraEnv map[string]string
}

// Interactive returns the command that attaches a login shell.
func Interactive() Command {
	return Command{Kind: KindInteractive}
}

// InitCommand returns the command that runs the bootstrap script.
func InitCommand() Command {
	return Command{Kind: KindInit}
}

// Exec returns the command that runs argv with extra environment
// variables.
func Exec(argv []string, extraEnv map[string]string) Command {
	return Command{Kind: KindExec, Argv: argv, ExtraEnv: extraEnv}
}
