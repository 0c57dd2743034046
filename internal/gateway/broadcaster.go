package gateway

import (
	"encoding/json"
	"strconv"
	"time"

	"tradefeatures/internal/model"
)

// Publish wraps a candle in an envelope, records it for replay and sends it
// to every client subscribed to the candle's instrument.
func (h *Hub) Publish(c model.FeatureCandle) {
	now := time.Now().UTC()

	// trade timestamps are epoch milliseconds
	if c.EndTS > 0 {
		if lag := float64(now.UnixMilli() - c.EndTS); lag >= 0 {
			h.Latency.Record(lag)
		}
	}

	channel := c.Key()

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.seq++
	seq := h.seq
	rb, exists := h.replayBufs[channel]
	if !exists {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := buildEnvelope(channel, c.JSON(), now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	h.mu.Lock()
	h.latest[channel] = latestEntry{Envelope: buf, TS: now, Seq: channelSeq}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed(channel) {
			continue
		}
		if !client.enqueue(buf) && h.OnSlowClient != nil {
			h.OnSlowClient()
		}
	}
}

// buildEnvelope hand-crafts the envelope JSON:
//
//	{"type":"CANDLE","channel":"...","data":{...},"ts":"...","seq":N,"channel_seq":M}
func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"type":"CANDLE","channel":`...)
	buf = appendJSONString(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// appendJSONString appends s as a quoted JSON string.
func appendJSONString(buf []byte, s string) []byte {
	q, _ := json.Marshal(s) // a string always marshals
	return append(buf, q...)
}
