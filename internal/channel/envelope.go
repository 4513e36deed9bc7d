package channel

import (
	"encoding/json"

	"github.com/orrn/printconsole/internal/core"
)

// envelope is the frame format on the wire: {"event": name, "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func decodeEvent(frame []byte) (core.ChannelEvent, bool) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		return core.ChannelEvent{}, false
	}

	ev := core.ChannelEvent{Type: core.EventType(env.Event)}

	switch ev.Type {
	case core.EventQueueStatus:
		var q core.QueueSnapshot
		if err := json.Unmarshal(env.Data, &q); err != nil {
			return core.ChannelEvent{}, false
		}
		ev.Queue = &q

	case core.EventQueueUpdate, core.EventConnectionSuccess:

	case core.EventPrinterStatusUpdate:
		var m map[string]any
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return core.ChannelEvent{}, false
		}
		ev.PrinterID = string(core.IDFromValue(m["printerId"]))
		if nested, ok := m["status"].(map[string]any); ok {
			ev.PrinterStatus = nested
		} else {
			delete(m, "printerId")
			ev.PrinterStatus = m
		}

	case core.EventPaymentVerified:
		var p struct {
			UPID string `json:"upid"`
		}
		_ = json.Unmarshal(env.Data, &p)
		ev.UPID = p.UPID

	case core.EventError:
		var e struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &e); err != nil || e.Message == "" {
			var s string
			if json.Unmarshal(env.Data, &s) == nil {
				e.Message = s
			} else {
				e.Message = string(env.Data)
			}
		}
		ev.Message = e.Message

	default:
		return core.ChannelEvent{}, false
	}

	return ev, true
}
