package domain

// CallHistory is posted once per outbound call after the backend assigned a
// call identifier.
type CallHistory struct {
	CallID   string
	To       UserID
	MemberID UserID
}

// CallingStatus is the server-side view of whether a remote is currently
// calling us, as returned by the status poll.
type CallingStatus struct {
	AudioCalling bool
	VideoCalling bool
}

func (s CallingStatus) Ringing() bool {
	return s.AudioCalling || s.VideoCalling
}
