package command

import (
	"context"
	"strings"
)

// HandleCallData acknowledges a data call and then runs one forward cycle
// before returning. An empty body is a valid trigger with an empty msgId.
// A cycle that fails after the acknowledgement is only logged.
func (h *Handlers) HandleCallData(_ string, payload []byte) {
	x := h.begin(KindCallData, h.topics.CallDataReply)
	defer h.guard(x)

	x.msgID = ""
	if strings.TrimSpace(string(payload)) != "" {
		body, id, f := h.decodeRequest(payload)
		if f != nil {
			x.msgID = id
			h.replyFailure(x, f)
			return
		}
		if _, ok := body["msgId"]; ok {
			x.msgID = id
		}
	}
	msgID := x.msgID

	if h.runner == nil {
		h.replyFailure(x, fail(ErrCodeGeneral, "forwarder not available"))
		return
	}

	h.metrics.IncCommandsTotal(KindCallData, resultSuccess)
	h.reply(x, Reply{
		Result:    resultSuccess,
		Message:   "data call started",
		Timestamp: h.now(),
	})

	ctx, cancel := context.WithTimeout(h.ctx, callTimeout)
	defer cancel()

	res := h.runner.RunCycle(ctx)
	if res.Skipped != "" {
		h.logger.Warn("data call cycle skipped", "msgId", msgID, "reason", res.Skipped)
		return
	}
	h.logger.Info("data call completed",
		"msgId", msgID,
		"records", res.Records,
		"messages", res.Messages,
		"errors", res.Errors)
}
