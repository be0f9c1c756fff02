package mediaagent

// keyframeRequest is the picture-loss-indication event type mirroring the
// teacher's CallControlResume/Pause/Cancel enum pattern (av/types.go):
// a first-class control event rather than a bare boolean, so future
// control reasons (e.g. an explicit codec-change request) have a place
// to grow into without changing the Agent's public signal shape.
type keyframeRequest struct {
	reason string
}

// RequestKeyframe signals the encoder worker to force a keyframe on its
// next encoded unit, per spec §4.4 "on explicit picture-loss-indication
// events". Non-blocking: a request already pending is not duplicated.
func (a *Agent) RequestKeyframe(reason string) {
	select {
	case a.pli <- keyframeRequest{reason: reason}:
	default:
	}
}
