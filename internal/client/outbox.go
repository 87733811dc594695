package client

// frame is one encoded outbound message. ackID is set for tool_result frames
// so the ack timer starts only once the frame is actually written.
type frame struct {
	data  []byte
	ackID string
}

// outbox is a FIFO of frames waiting for an open transport. It is owned by
// the engine goroutine and is not safe for concurrent use.
type outbox struct {
	frames []frame
}

func (o *outbox) push(f frame) { o.frames = append(o.frames, f) }

func (o *outbox) pushFront(f frame) {
	o.frames = append([]frame{f}, o.frames...)
}

func (o *outbox) pop() (frame, bool) {
	if len(o.frames) == 0 {
		return frame{}, false
	}
	f := o.frames[0]
	o.frames[0] = frame{}
	o.frames = o.frames[1:]
	return f, true
}

func (o *outbox) len() int { return len(o.frames) }

// drain writes queued frames in order until the outbox is empty or send
// fails; a failed frame goes back to the front.
func (o *outbox) drain(send func(frame) error) error {
	for {
		f, ok := o.pop()
		if !ok {
			return nil
		}
		if err := send(f); err != nil {
			o.pushFront(f)
			return err
		}
	}
}
