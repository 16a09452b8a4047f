package command

import (
	"context"
	"strconv"

	"mqtt-edge-gateway/internal/store"
)

// HandleWrite answers a point write with {result, msgId}. A missing entry
// is created as a hash.
func (h *Handlers) HandleWrite(_ string, payload []byte) {
	x := h.begin(KindWrite, h.topics.WriteReply)
	defer h.guard(x)

	body, msgID, f := h.decodeRequest(payload)
	x.msgID = msgID
	if f != nil {
		h.replyFailure(x, f)
		return
	}
	req, f := parsePoint(body, true)
	if f != nil {
		h.replyFailure(x, f)
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	if f := h.writePoint(ctx, req); f != nil {
		h.replyFailure(x, f)
		return
	}

	h.metrics.IncCommandsTotal(KindWrite, resultSuccess)
	h.logger.Info("point written", "key", req.StoreKey(), "field", req.Key, "msgId", req.MsgID)
	h.reply(x, Reply{Result: resultSuccess})
}

func (h *Handlers) writePoint(ctx context.Context, req pointRequest) *Failure {
	key := req.StoreKey()
	value := stringify(req.Value)

	kt, err := h.store.Type(ctx, key)
	if err != nil {
		return fail(ErrCodeGeneral, "store unavailable: %v", err)
	}

	switch kt {
	case store.TypeNone, store.TypeHash:
		err = h.store.HSet(ctx, key, req.Key, value)
	case store.TypeString:
		err = h.store.Set(ctx, key, value)
	case store.TypeList:
		idx, perr := strconv.ParseInt(req.Key, 10, 64)
		if perr != nil {
			return fail(ErrCodeValidation, "list index %q is not an integer", req.Key)
		}
		err = h.store.LSet(ctx, key, idx, value)
	case store.TypeSet:
		err = h.store.SAdd(ctx, key, value)
	default:
		return fail(ErrCodeUnsupported, "key %s has unsupported type %s", key, kt)
	}

	if err != nil {
		return fail(ErrCodeGeneral, "write to %s failed: %v", key, err)
	}
	return nil
}
