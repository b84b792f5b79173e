package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/observe"
	"github.com/nikolaiotsu/kanji-learning-app-sub003/internal/pipeline"
)

// Stream message types.
const (
	msgProgress = "progress"
	msgResult   = "result"
	msgError    = "error"
)

// streamMessage is one server-to-client frame on /v1/annotate/stream.
type streamMessage struct {
	Type     string             `json:"type"`
	Progress *pipeline.Progress `json:"progress,omitempty"`
	Result   *pipeline.Result   `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
	Kind     pipeline.Kind      `json:"kind,omitempty"`
}

// handleStream runs one annotation over a websocket. The client sends one
// annotate request; the server answers with progress frames followed by
// exactly one result or error frame, then closes the connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := s.withTimeout(r.Context())
	defer cancel()

	var req annotateRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusUnsupportedData, "expected an annotate request")
		return
	}

	preq := req.toPipeline()
	preq.Progress = func(p pipeline.Progress) {
		if err := wsjson.Write(ctx, conn, streamMessage{Type: msgProgress, Progress: &p}); err != nil {
			// The client went away; stop the invocation.
			cancel()
		}
	}

	res, err := s.pipeline.Process(ctx, preq)
	final := streamMessage{Type: msgResult, Result: res}
	if err != nil {
		final = streamMessage{Type: msgError, Error: err.Error(), Kind: pipeline.KindOf(err)}
	}
	if werr := wsjson.Write(ctx, conn, final); werr != nil {
		if !errors.Is(werr, context.Canceled) {
			observe.Logger(r.Context()).Debug("websocket write failed", "err", werr)
		}
		return
	}
	conn.Close(websocket.StatusNormalClosure, "done")
}
