package session

import (
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/live"
	"github.com/vango-go/vai-interview/pkg/live/protocol"
)

func (c *Controller) readLoop(s *Session) {
	defer close(s.readDone)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			s.readEnded.Store(true)
			c.handleClose(s, err)
			return
		}
		if s.setupSeen() {
			<-s.installed
			if s.closing.Load() {
				continue
			}
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			c.dispatch(s, protocol.Classify(messageType == websocket.BinaryMessage, data))
		default:
			continue
		}
	}
}

// dispatch applies one classified frame. It never holds c.mu while touching
// the playback queue.
func (c *Controller) dispatch(s *Session, frame protocol.Frame) {
	switch frame.Kind {
	case protocol.FrameMalformed:
		c.log.Warn().Err(frame.Err).Str("session_id", s.ID).Msg("malformed frame from live service")
		c.publishError(core.NewProtocolError(frame.Err.Error(), frame.Err), false)
	case protocol.FrameAudio:
		c.playAudio(s, frame.Audio, "")
	case protocol.FrameControl:
		c.handleControl(s, frame.Message)
	}
}

func (c *Controller) handleControl(s *Session, msg *protocol.ServerMessage) {
	if msg.IsSetupComplete() {
		s.markSetupComplete()
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part.InlineData != nil && part.InlineData.Data != "" {
					data, err := live.DecodeBase64(part.InlineData.Data)
					if err != nil {
						c.publishError(core.NewProtocolError("invalid inline audio", err), false)
						continue
					}
					c.playAudio(s, data, part.InlineData.MimeType)
				}
				if part.Text != "" {
					c.bus.Publish(&live.TextEvent{Text: part.Text})
				}
			}
		}
		if sc.Interrupted {
			s.playback.Clear()
			c.setSpeaking(s, false)
			c.bus.Publish(&live.InterruptedEvent{})
		}
		if sc.TurnComplete {
			// The speaking flag clears from the queue's idle callback once the
			// flushed fragments have played.
			s.playback.FinishPlayback()
			c.bus.Publish(&live.TurnCompleteEvent{})
		}
	}

	if len(msg.ToolCall) > 0 {
		c.bus.Publish(&live.ToolCallEvent{Raw: append([]byte(nil), msg.ToolCall...)})
	}
	if u := msg.UsageMetadata; u != nil {
		c.bus.Publish(&live.UsageEvent{
			PromptTokens:   u.PromptTokenCount,
			ResponseTokens: u.ResponseTokenCount,
			TotalTokens:    u.TotalTokenCount,
		})
	}
	if msg.GoAway != nil {
		c.log.Info().Str("session_id", s.ID).Dur("time_left", msg.GoAway.Remaining()).Msg("service announced shutdown, renewing early")
		go c.renew(s, "go_away")
	}
}

func (c *Controller) playAudio(s *Session, data []byte, mimeType string) {
	buf, err := live.DecodeInboundAudio(data, mimeType)
	if err != nil {
		c.log.Debug().Err(err).Str("session_id", s.ID).Msg("skipping inbound audio")
		return
	}
	c.metrics.AddAudioBytes("in", len(buf.PCM))
	c.setSpeaking(s, true)
	s.playback.Enqueue(buf)
	c.bus.Publish(&live.AudioEvent{PCM: buf.PCM, SampleRate: buf.Format.SampleRate})
}

// handleClose runs when the read loop of s ends. Closes the controller caused
// itself (end, renewal, failed connect) are ignored.
func (c *Controller) handleClose(s *Session, err error) {
	if s.closing.Load() {
		return
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.speaking = false
	c.mu.Unlock()

	s.closing.Store(true)
	s.stopTimers()
	s.playback.Clear()
	_ = s.conn.Close()
	if perr := s.playback.Close(); perr != nil {
		c.log.Warn().Err(perr).Str("session_id", s.ID).Msg("release playback device")
	}
	c.metrics.SetConnected(false)
	c.suspendListening()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.log.Info().Str("session_id", s.ID).Msg("live service closed the session normally")
		c.stopListeningIntent()
		c.bus.Publish(&live.DisconnectedEvent{SessionID: s.ID, Code: websocket.CloseNormalClosure, Reason: closeReason(err)})
		return
	}

	classified := core.Classify(err)
	c.log.Warn().Err(err).Str("session_id", s.ID).Str("close_code", classified.Code).Str("error_type", string(classified.Type)).Msg("live session closed abnormally")
	switch {
	case !classified.IsRetryable():
		c.terminate(s.ID, classified)
	case classified.Type == core.ErrSessionExpired:
		go c.renewExpired(s)
	default:
		go c.reconnectLoop(classified)
	}
}

func closeReason(err error) string {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Text
	}
	return ""
}

// suspendListening releases the microphone but keeps the listening intent so
// it can be restored on the next session.
func (c *Controller) suspendListening() {
	c.micMu.Lock()
	defer c.micMu.Unlock()
	if err := c.releaseMicLocked(); err != nil {
		c.log.Warn().Err(err).Msg("release microphone")
	}
}

func (c *Controller) stopListeningIntent() {
	c.micMu.Lock()
	was := c.listening
	c.listening = false
	c.micMu.Unlock()
	if was {
		c.bus.Publish(&live.ListeningChangedEvent{Listening: false})
	}
}
