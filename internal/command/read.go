package command

import (
	"context"
	"errors"
	"strconv"

	"mqtt-edge-gateway/internal/forward"
	"mqtt-edge-gateway/internal/store"
)

const setMemberValue = "exists"

// HandleRead answers a point read. The reply carries the value under the
// requested key, or a typed failure.
func (h *Handlers) HandleRead(_ string, payload []byte) {
	x := h.begin(KindRead, h.topics.ReadReply)
	defer h.guard(x)

	body, msgID, f := h.decodeRequest(payload)
	x.msgID = msgID
	if f != nil {
		h.replyFailure(x, f)
		return
	}
	req, f := parsePoint(body, false)
	if f != nil {
		h.replyFailure(x, f)
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	value, f := h.readPoint(ctx, req)
	if f != nil {
		h.replyFailure(x, f)
		return
	}

	h.metrics.IncCommandsTotal(KindRead, resultSuccess)
	h.logger.Debug("point read", "key", req.StoreKey(), "field", req.Key, "msgId", req.MsgID)
	h.reply(x, Reply{
		Timestamp: h.now(),
		Property: []forward.Property{{
			Source:   req.Source,
			Device:   req.Device,
			DataType: req.DataType,
			Value:    map[string]interface{}{req.Key: value},
		}},
	})
}

func (h *Handlers) readPoint(ctx context.Context, req pointRequest) (interface{}, *Failure) {
	key := req.StoreKey()
	kt, err := h.store.Type(ctx, key)
	if err != nil {
		return nil, fail(ErrCodeGeneral, "store unavailable: %v", err)
	}

	switch kt {
	case store.TypeNone:
		return nil, fail(ErrCodeNotFound, "key %s does not exist", key)

	case store.TypeHash:
		v, err := h.store.HGet(ctx, key, req.Key)
		if err != nil {
			return nil, lookupFailure(err, "field %s not found in %s", req.Key, key)
		}
		return forward.NormalizeValue(v), nil

	case store.TypeString:
		v, err := h.store.Get(ctx, key)
		if err != nil {
			return nil, lookupFailure(err, "key %s does not exist", key)
		}
		return forward.DecodeScalar(v), nil

	case store.TypeList:
		idx, err := strconv.ParseInt(req.Key, 10, 64)
		if err != nil {
			return nil, fail(ErrCodeValidation, "list index %q is not an integer", req.Key)
		}
		v, err := h.store.LIndex(ctx, key, idx)
		if err != nil {
			return nil, lookupFailure(err, "index %d out of range in %s", idx, key)
		}
		return forward.NormalizeValue(v), nil

	case store.TypeSet:
		ok, err := h.store.SIsMember(ctx, key, req.Key)
		if err != nil {
			return nil, fail(ErrCodeGeneral, "store unavailable: %v", err)
		}
		if !ok {
			return nil, fail(ErrCodeNotFound, "%s is not a member of %s", req.Key, key)
		}
		return setMemberValue, nil

	default:
		return nil, fail(ErrCodeUnsupported, "key %s has unsupported type %s", key, kt)
	}
}

func lookupFailure(err error, format string, args ...interface{}) *Failure {
	if errors.Is(err, store.ErrKeyNotFound) || errors.Is(err, store.ErrFieldNotFound) {
		return fail(ErrCodeNotFound, format, args...)
	}
	return fail(ErrCodeGeneral, "store unavailable: %v", err)
}
