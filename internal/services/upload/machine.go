package upload

type event int

const (
	evCheckpointFound event = iota
	evNoCheckpoint
	evSessionReady
	evProbeIncomplete
	evProbeComplete
	evProbeInvalid
	evInterrupted
	evTransferred
	evConfirmed
	evFailed
)

var eventNames = [...]string{
	"checkpoint_found", "no_checkpoint", "session_ready", "probe_incomplete",
	"probe_complete", "probe_invalid", "interrupted", "transferred", "confirmed", "failed",
}

func (e event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// effect is the work the control loop performs on entering a state
type effect int

const (
	effNone effect = iota
	effLookup
	effNegotiate
	effProbe
	effTransfer
	effConfirm
)

type transitionKey struct {
	from State
	on   event
}

type step struct {
	to State
	do effect
}

var transitions = map[transitionKey]step{
	{NotStarted, evCheckpointFound}: {Resuming, effProbe},
	{NotStarted, evNoCheckpoint}:    {SessionPending, effNegotiate},

	{SessionPending, evSessionReady}: {Transferring, effTransfer},

	{Resuming, evProbeIncomplete}: {Transferring, effTransfer},
	{Resuming, evProbeComplete}:   {Confirming, effConfirm},
	{Resuming, evProbeInvalid}:    {SessionPending, effNegotiate},
	{Resuming, evInterrupted}:     {Resuming, effProbe},

	{Transferring, evTransferred}: {Confirming, effConfirm},
	{Transferring, evInterrupted}: {Resuming, effProbe},

	{Confirming, evConfirmed}: {Completed, effNone},
}

// transition is the pure step function of a file pipeline. Failure is
// accepted from every non-terminal state; any other pair not in the table
// also fails the task.
func transition(from State, on event) (State, effect) {
	if from.Terminal() {
		return from, effNone
	}
	if s, ok := transitions[transitionKey{from, on}]; ok {
		return s.to, s.do
	}
	return Failed, effNone
}
