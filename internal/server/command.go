package server

// context carries everything one command execution needs: the parsed
// arguments, the issuing connection and the engine services.
type context struct {
	args   []string
	peer   *Peer
	engine *Engine
}

// command is one protocol command. A non-nil error from execute closes
// the connection; recoverable client mistakes are written as protocol
// tokens and return nil.
type command interface {
	execute(ctx *context) error
}

type commandFunc func(ctx *context) error

func (c commandFunc) execute(ctx *context) error {
	return c(ctx)
}
