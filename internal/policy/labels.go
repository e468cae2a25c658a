package policy

// LabelEvent is a notable pull request transition for that labels can be
// changed and a comment is posted.
type LabelEvent string

const (
	LabelEventApproved    LabelEvent = "approved"
	LabelEventRejected    LabelEvent = "rejected"
	LabelEventConflict    LabelEvent = "conflict"
	LabelEventSucceed     LabelEvent = "succeed"
	LabelEventFailed      LabelEvent = "failed"
	LabelEventTry         LabelEvent = "try"
	LabelEventTrySucceed  LabelEvent = "try_succeed"
	LabelEventTryFailed   LabelEvent = "try_failed"
	LabelEventExempted    LabelEvent = "exempted"
	LabelEventTimedOut    LabelEvent = "timed_out"
	LabelEventInterrupted LabelEvent = "interrupted"
	LabelEventPushed      LabelEvent = "pushed"
)

var labelEvents = []LabelEvent{
	LabelEventApproved,
	LabelEventRejected,
	LabelEventConflict,
	LabelEventSucceed,
	LabelEventFailed,
	LabelEventTry,
	LabelEventTrySucceed,
	LabelEventTryFailed,
	LabelEventExempted,
	LabelEventTimedOut,
	LabelEventInterrupted,
	LabelEventPushed,
}

func isLabelEvent(s string) bool {
	for _, ev := range labelEvents {
		if string(ev) == s {
			return true
		}
	}

	return false
}

// LabelChange describes the labels that are changed on a LabelEvent.
type LabelChange struct {
	Add    []string
	Remove []string
	// Unless contains labels that prevent the change when any of them is
	// set on the pull request.
	Unless []string
}

// Apply returns the labels to add and to remove for a pull request that
// currently has the labels current.
func (l *LabelChange) Apply(current []string) (add, remove []string) {
	have := make(map[string]struct{}, len(current))
	for _, lbl := range current {
		have[lbl] = struct{}{}
	}

	for _, lbl := range l.Unless {
		if _, exist := have[lbl]; exist {
			return nil, nil
		}
	}

	for _, lbl := range l.Add {
		if _, exist := have[lbl]; !exist {
			add = append(add, lbl)
		}
	}

	for _, lbl := range l.Remove {
		if _, exist := have[lbl]; exist {
			remove = append(remove, lbl)
		}
	}

	return add, remove
}
