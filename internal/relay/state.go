package relay

// State is the turn-taking state of a [Session].
type State int

const (
	// StateIdle: connected, no question asked yet.
	StateIdle State = iota
	// StateQuestionAsked: the question was injected and its reading requested.
	StateQuestionAsked
	// StateListening: waiting for the candidate to speak.
	StateListening
	// StateSpeechDetected: upstream VAD reported speech.
	StateSpeechDetected
	// StateSpeechEnded: speech stopped; the commit debounce is running.
	StateSpeechEnded
	// StateCommitting: the utterance is being committed or discarded.
	StateCommitting
	// StateAwaitingReply: a reply was requested; no audio yet.
	StateAwaitingReply
	// StateAISpeaking: reply audio is streaming.
	StateAISpeaking
	// StateClosing: the follow-up quota is spent; the closing utterance and
	// auto_advance are pending.
	StateClosing
	// StateClosed: the turn is over; nothing is sent upstream until the next
	// start_question.
	StateClosed
)

var stateNames = [...]string{
	StateIdle:           "IDLE",
	StateQuestionAsked:  "QUESTION_ASKED",
	StateListening:      "LISTENING",
	StateSpeechDetected: "SPEECH_DETECTED",
	StateSpeechEnded:    "SPEECH_ENDED",
	StateCommitting:     "COMMITTING",
	StateAwaitingReply:  "AWAITING_REPLY",
	StateAISpeaking:     "AI_SPEAKING",
	StateClosing:        "CLOSING",
	StateClosed:         "CLOSED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// winding reports whether the turn is ending, in which case candidate speech
// no longer drives transitions and inbound audio is discarded.
func (s State) winding() bool {
	return s == StateClosing || s == StateClosed
}
