package plugin

import "github.com/coachpo/geyserpub/internal/dispatcher"

// Disposition is what happened to a single host callback.
type Disposition uint8

const (
	// Published means the broker client accepted the message.
	Published Disposition = iota
	// Dropped means the broker buffer was saturated.
	Dropped
	// Filtered means the program filter rejected the owner.
	Filtered
	// StartupSkipped means a startup snapshot account arrived with publish_all_accounts off.
	StartupSkipped
	// Disabled means the stream has no topic configured.
	Disabled
	// Invalid means the event could not be encoded.
	Invalid

	dispositionCount
)

func (d Disposition) String() string {
	switch d {
	case Published:
		return "published"
	case Dropped:
		return "dropped"
	case Filtered:
		return "filtered"
	case StartupSkipped:
		return "startup_skipped"
	case Disabled:
		return "disabled"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

func fromResult(r dispatcher.Result) Disposition {
	if r == dispatcher.Enqueued {
		return Published
	}
	return Dropped
}
