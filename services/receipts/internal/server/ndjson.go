package server

import (
	"encoding/json"
	"iter"
	"net/http"
	"time"

	"receiptscanner/internal/util"
	"receiptscanner/services/receipts/internal/app"
)

// streamNDJSON writes one JSON object per line, flushing after each. An
// error before the first event becomes a regular error response; later
// errors are written as a terminal error event carrying the same message
// writeAppError would show. With drain set the
// sequence is consumed to the end even after the client is gone.
func streamNDJSON[E any](w http.ResponseWriter, r *http.Request, events iter.Seq2[E, error], drain bool) {
	logger := util.LoggerFromContext(r.Context())
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	started, gone := false, false

	write := func(v any) {
		if gone {
			return
		}
		if err := enc.Encode(v); err != nil {
			logger.Warn("stream client gone", "err", err)
			gone = true
			return
		}
		_ = rc.Flush()
	}

	for ev, err := range events {
		if err != nil {
			if !started {
				writeAppError(w, r, err)
				return
			}
			logger.Error("stream failed", "path", r.URL.Path, "err", err)
			_, msg := publicError(err)
			write(app.ErrorEvent(msg))
			return
		}
		if !started {
			started = true
			// Streams run longer than the server write timeout.
			_ = rc.SetWriteDeadline(time.Time{})
			w.Header().Set("Content-Type", "application/json")
			// Keep reverse proxies from holding lines back.
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		}
		write(ev)
		if gone && !drain {
			return
		}
	}
}
