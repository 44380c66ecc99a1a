package health

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/consus-energy/lanzone-edge/pkg/types"
)

// FSM state for one alert code.
type fsmState string

const (
	stateClear    fsmState = "CLEAR"
	stateActive   fsmState = "ACTIVE"
	stateResolved fsmState = "RESOLVED"
)

// Debounce and emission timing.
const (
	debounceActivate   = 5 * time.Second  // condition must persist before ACTIVE
	debounceClearPolls = 10               // consecutive clear polls before RESOLVED
	warningBatchEvery  = 45 * time.Second // WARNING/INFO flush cadence
	heartbeatEvery     = 300 * time.Second
)

// alertState tracks one (unit, code) alert across its lifetime. Created on
// first observation, never deleted while the unit exists.
type alertState struct {
	code     string
	severity types.Severity
	state    fsmState

	firstSeen        time.Time
	lastSeen         time.Time
	activateDeadline time.Time // zero when no debounce window open
	lastHeartbeat    time.Time
	clearCount       int
	eventID          string
	count            int
	context          types.AlertContext
}

func newAlertState(code string, severity types.Severity) *alertState {
	return &alertState{code: code, severity: severity, state: stateClear}
}

// makeEventID derives a stable per-episode identifier from the unit, code,
// and activation instant. Re-activations after RESOLVED reuse the existing
// id; the count field distinguishes occurrences.
func makeEventID(consusID, code string, firstSeen time.Time) string {
	base := fmt.Sprintf("%s:%s:%d", consusID, code, firstSeen.Unix())
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(base))
	return fmt.Sprintf("%x", id[:])
}
