package session

import (
	"sort"

	"github.com/room4-2/voiceloop/messages"
)

// Enqueue assigns the next outbound id to ev and delivers it over the control
// socket, or queues it for polling when no control socket is attached.
func (cs *ClientSession) Enqueue(ev *messages.ServerEvent) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.enqueueLocked(ev)
}

func (cs *ClientSession) enqueueLocked(ev *messages.ServerEvent) {
	if cs.closed {
		return
	}
	cs.outboundSeq++
	ev.ID = cs.outboundSeq
	cs.m.metrics.RecordEvent("out", string(ev.Type))

	if cs.control != nil {
		err := cs.control.SendEvent(ev)
		if err == nil {
			return
		}
		cs.log.Debug("control send failed, queueing event", "type", ev.Type, "error", err)
	}

	cs.outbound = append(cs.outbound, ev)
	if over := len(cs.outbound) - maxOutboundQueue; over > 0 {
		cs.outbound = append(cs.outbound[:0:0], cs.outbound[over:]...)
	}
}

// DrainAfter returns the queued events with an id greater than lastSeen, in
// ascending id order. The queue itself is left untouched.
func (cs *ClientSession) DrainAfter(lastSeen int64) []*messages.ServerEvent {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	i := sort.Search(len(cs.outbound), func(i int) bool {
		return cs.outbound[i].ID > lastSeen
	})
	out := make([]*messages.ServerEvent, len(cs.outbound)-i)
	copy(out, cs.outbound[i:])
	return out
}

// LastEventID returns the id of the most recently enqueued event.
func (cs *ClientSession) LastEventID() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.outboundSeq
}
