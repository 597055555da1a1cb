package gateway

import (
	"strconv"
	"time"
)

// broadcast wraps data in an envelope, records it for replay and queues it
// on every matching client. Slow clients lose the message rather than
// stall the engine.
func (h *Hub) broadcast(channel string, data []byte) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	env := envelope(channel, data, h.now().UTC(), seq)
	h.latest[channel] = env
	h.replay.Push(seq, channel, env)

	dropped := 0
	for c := range h.clients {
		if !c.matches(channel) {
			continue
		}
		select {
		case c.send <- env:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 && h.m != nil {
		h.m.WSDrops.Add(float64(dropped))
	}
}

// envelope hand-builds {"channel":..,"data":..,"ts":..,"seq":N}. channel
// is a plain key without characters that need escaping.
func envelope(channel string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}
