package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/qwen-gateway/qwen-gateway/internal/interfaces"
)

// StreamForwardOptions customizes how ForwardStream writes to the client.
// None of the writers should flush; ForwardStream flushes after each write.
type StreamForwardOptions struct {
	// KeepAliveInterval overrides the configured streaming keep-alive interval.
	// If nil, the configured default is used. If set to <= 0, keep-alives are disabled.
	KeepAliveInterval *time.Duration

	// WriteChunk writes a single data chunk to the response body.
	WriteChunk func(chunk []byte)

	// WriteTerminalError writes an error payload once headers are already committed.
	WriteTerminalError func(errMsg *interfaces.ErrorMessage)

	// WriteDone writes the end-of-stream marker. It runs after a clean end and,
	// when DoneAfterError is set, after a terminal error too.
	WriteDone      func()
	DoneAfterError bool

	// WriteKeepAlive writes a heartbeat. When nil, an SSE comment is used.
	WriteKeepAlive func()
}

// ForwardStream copies data to the client until the channel closes, an error
// arrives or the client goes away. cancel is always called exactly once with
// the terminal error, or nil.
func (h *BaseAPIHandler) ForwardStream(c *gin.Context, flusher http.Flusher, cancel func(error), data <-chan []byte, errs <-chan *interfaces.ErrorMessage, opts StreamForwardOptions) {
	if c == nil || cancel == nil {
		return
	}

	writeChunk := opts.WriteChunk
	if writeChunk == nil {
		writeChunk = func([]byte) {}
	}
	writeKeepAlive := opts.WriteKeepAlive
	if writeKeepAlive == nil {
		writeKeepAlive = func() {
			_, _ = c.Writer.Write([]byte(": keep-alive\n\n"))
		}
	}
	finishWithError := func(errMsg *interfaces.ErrorMessage) {
		if opts.WriteTerminalError != nil {
			opts.WriteTerminalError(errMsg)
		}
		if opts.DoneAfterError && opts.WriteDone != nil {
			opts.WriteDone()
		}
		flusher.Flush()
		cancel(errMsg.Error)
	}

	keepAliveInterval := StreamingKeepAliveInterval(h.Cfg)
	if opts.KeepAliveInterval != nil {
		keepAliveInterval = *opts.KeepAliveInterval
	}
	var keepAliveC <-chan time.Time
	if keepAliveInterval > 0 {
		keepAlive := time.NewTicker(keepAliveInterval)
		defer keepAlive.Stop()
		keepAliveC = keepAlive.C
	}

	for {
		select {
		case <-c.Request.Context().Done():
			cancel(c.Request.Context().Err())
			return
		case chunk, ok := <-data:
			if !ok {
				// An error may be racing the close.
				select {
				case errMsg, okErr := <-errs:
					if okErr && errMsg != nil {
						finishWithError(errMsg)
						return
					}
				default:
				}
				if opts.WriteDone != nil {
					opts.WriteDone()
				}
				flusher.Flush()
				cancel(nil)
				return
			}
			writeChunk(chunk)
			flusher.Flush()
		case errMsg, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errMsg == nil {
				continue
			}
			finishWithError(errMsg)
			return
		case <-keepAliveC:
			writeKeepAlive()
			flusher.Flush()
		}
	}
}
