package session

import (
	"time"

	"github.com/4xmen/jashn/internal/apperr"
)

// State is the controller's lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Live
	SearchMode
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case SearchMode:
		return "search"
	default:
		return "disconnected"
	}
}

type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeError
)

// Notice is a user-visible message, already translated.
type Notice struct {
	Level NoticeLevel
	Kind  apperr.Kind
	Text  string
	At    time.Time
}

const maxNotices = 20

// scroll is the viewport state behind the new-message badge.
type scroll struct {
	nearBottom bool
	badge      bool
}

var atBottom = scroll{nearBottom: true}
