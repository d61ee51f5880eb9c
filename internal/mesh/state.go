package mesh

// State of the connection to one remote peer. States only move forward;
// Closed is terminal.
type State int

const (
	Discovered State = iota
	Connecting
	Negotiating
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Connecting:
		return "connecting"
	case Negotiating:
		return "negotiating"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Initiates reports whether local sends the offer to remote. Exactly one side
// of a pair initiates: the one whose identity sorts first.
func Initiates(local, remote string) bool {
	return local < remote
}
