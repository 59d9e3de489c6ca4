package relay

import (
	"github.com/MrWong99/intervox/pkg/protocol"
	"github.com/MrWong99/intervox/pkg/realtime"
)

// event is anything the session loop consumes.
type event interface{ relayEvent() }

// audioEvent is one binary client frame of PCM16 at the client's rate.
type audioEvent struct{ pcm []byte }

// clientEvent is one decoded client control message.
type clientEvent struct{ msg protocol.ClientMessage }

// upstreamEvent is one decoded Realtime server event.
type upstreamEvent struct{ ev *realtime.ServerEvent }

type timerKind int

const (
	timerCommit timerKind = iota
	timerAdvance
	timerTranscript
)

// timerEvent fires a debounce, auto-advance or transcript deadline. Events whose gen no
// longer matches the session's counter were cancelled and are ignored.
type timerEvent struct {
	kind timerKind
	gen  uint64
}

// feedbackEvent carries a finished analysis back to the loop.
type feedbackEvent struct {
	turnID string
	fb     protocol.Feedback
}

func (audioEvent) relayEvent()    {}
func (clientEvent) relayEvent()   {}
func (upstreamEvent) relayEvent() {}
func (timerEvent) relayEvent()    {}
func (feedbackEvent) relayEvent() {}
