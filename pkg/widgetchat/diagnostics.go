package widgetchat

// Diagnostics observes the client. Implementations must be cheap and must not block; they are
// called from the session loop and the transport read goroutine.
type Diagnostics interface {
	StateChanged(from, to State)
	EventReceived(name EventName)
	EventDropped(name EventName, reason string)
	EventSent(name EventName)
	ConnectFailed(kind ErrorKind)
}

type NopDiagnostics struct{}

var _ Diagnostics = NopDiagnostics{}

func (NopDiagnostics) StateChanged(State, State) {}
func (NopDiagnostics) EventReceived(EventName) {}
func (NopDiagnostics) EventDropped(EventName, string) {}
func (NopDiagnostics) EventSent(EventName) {}
func (NopDiagnostics) ConnectFailed(ErrorKind) {}
