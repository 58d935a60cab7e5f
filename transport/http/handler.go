package http

import (
	"errors"
	nethttp "net/http"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/msgbus/internal/runtime/errors"
	"github.com/drblury/msgbus/internal/runtime/jsoncodec"
	"github.com/drblury/msgbus/internal/runtime/message"
	"github.com/drblury/msgbus/transport"
)

// maxBodyBytes bounds the size of a posted message.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

// NewHandler returns the serving side of the transport. Each POSTed message
// is passed to responder, for example Broker.Respond, and the reply is
// written back as JSON. No reply is answered with 204 No Content.
func NewHandler(responder transport.Responder, logger watermill.LoggerAdapter) nethttp.Handler {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			w.Header().Set("Allow", nethttp.MethodPost)
			writeError(w, nethttp.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var msg message.Message
		if err := jsoncodec.Decode(nethttp.MaxBytesReader(w, r.Body, maxBodyBytes), &msg); err != nil {
			writeError(w, nethttp.StatusBadRequest, "invalid message: "+err.Error())
			return
		}

		reply, err := responder(r.Context(), &msg)
		if err != nil {
			status := nethttp.StatusInternalServerError
			if errors.Is(err, errspkg.ErrInvalidArgument) {
				status = nethttp.StatusBadRequest
			}
			logger.Error("Failed to answer HTTP message", err, watermill.LogFields{
				"message_id":   msg.ID,
				"message_type": msg.Type,
			})
			writeError(w, status, err.Error())
			return
		}
		if reply == nil {
			w.WriteHeader(nethttp.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", contentTypeJSON)
		if err := jsoncodec.Encode(w, reply); err != nil {
			logger.Error("Failed to write HTTP reply", err, watermill.LogFields{"message_id": msg.ID})
		}
	})
}

func writeError(w nethttp.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, errorBody{Error: reason})
}
