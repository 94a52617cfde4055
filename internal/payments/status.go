package payments

type Status string

const (
	StatusPending         Status = "PENDING"
	StatusAwaitingGateway Status = "AWAITING_GATEWAY"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:         {StatusAwaitingGateway: true, StatusCancelled: true},
	StatusAwaitingGateway: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true},
	StatusCompleted:       {},
	StatusFailed:          {},
	StatusCancelled:       {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

// sourcesOf lists the states from which to is reachable.
func sourcesOf(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusAwaitingGateway} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
