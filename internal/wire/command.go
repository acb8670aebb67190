package wire

// Command names accepted on the control channel.
const (
	CmdAttach   = "attach"
	CmdDetach   = "detach"
	CmdWatch    = "watch"
	CmdWatchCPU = "watchcpu"
	CmdUnwatch  = "unwatch"
	CmdFirehose = "firehose"
	CmdAdd      = "add"
	CmdAddExpr  = "addexpr"
	CmdRemove   = "remove"
	CmdGC       = "gc"
	CmdDevMode  = "devmode"
	CmdEval     = "eval"
)

// Command is an inbound control tuple.
type Command struct {
	Name string
	Args []Value
}

// NewCommand builds a command tuple.
func NewCommand(name string, args ...Value) Command {
	return Command{Name: name, Args: args}
}

// Arg returns the i-th argument, or an invalid Value when out of range.
func (c Command) Arg(i int) Value {
	if i < 0 || i >= len(c.Args) {
		return Value{}
	}
	return c.Args[i]
}

// DecodeCommand unpacks one control tuple. Arity and argument kinds are
// validated by the command processor, not here.
func DecodeCommand(b []byte) (Command, error) {
	name, args, err := decodeTuple(b)
	if err != nil {
		return Command{}, err
	}
	return Command{Name: name, Args: args}, nil
}
