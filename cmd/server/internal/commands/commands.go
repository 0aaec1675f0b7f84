package commands

// Globals carries the top-level CLI flags into every subcommand.
type Globals struct {
	Debug   bool
	Version string
}
