package messaging

import "go.uber.org/zap"

// VerbHandler processes one verb's messages on whatever stage that verb
// is mapped to.
type VerbHandler interface {
	DoVerb(msg MessageIn, id int32)
}

type verbHandlerFunc func(msg MessageIn, id int32)

func (f verbHandlerFunc) DoVerb(msg MessageIn, id int32) { f(msg, id) }

// ResponseVerbHandler is the default handler installed for both
// RequestResponse and InternalResponse. It looks up the callback
// registered for id and invokes it; an absent id (already expired, or
// never ours) is dropped silently.
type ResponseVerbHandler struct {
	hub *Hub
}

func (h *ResponseVerbHandler) DoVerb(msg MessageIn, id int32) {
	info, ok := h.hub.registry.Remove(id)
	if !ok {
		// Unknown id: already expired, or a reply we never asked for.
		h.hub.logger.Debug("dropping reply for unknown id", zap.Int32("id", id), zap.String("from", msg.From))
		return
	}
	if msg.Parameters != nil {
		if _, failed := msg.Parameters[ParamFailureResponse]; failed {
			if fc, ok := info.Callback.(FailureAwareCallback); ok {
				fc.OnFailure(msg.From)
				return
			}
		}
	}
	info.Callback.Response(msg)
}

// EchoVerbHandler answers an ECHO probe with an empty RequestResponse
// reply, reusing the inbound message's id for correlation.
type EchoVerbHandler struct {
	hub *Hub
}

func (h *EchoVerbHandler) DoVerb(msg MessageIn, id int32) {
	reply := MessageOut{Verb: RequestResponse, Payload: EchoMessage{}}
	h.hub.SendReply(reply, id, msg.From)
}
