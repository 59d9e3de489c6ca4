package relay

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/intervox/internal/observe"
	"github.com/MrWong99/intervox/pkg/audio"
	"github.com/MrWong99/intervox/pkg/protocol"
	"github.com/MrWong99/intervox/pkg/realtime"
)

// closingInstructions turns the configured closing sentence into response
// instructions.
func closingInstructions(text string) string {
	return "Say exactly the following and nothing else: " + text
}

// handle applies one event. Only the loop calls it.
func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case audioEvent:
		s.onAudio(ev.pcm)
	case clientEvent:
		s.onClient(ev.msg)
	case upstreamEvent:
		s.onUpstream(ev.ev)
	case timerEvent:
		switch {
		case ev.kind == timerCommit && ev.gen == s.debounceGen:
			s.debounceStop = nil
			s.onCommitDue()
		case ev.kind == timerAdvance && ev.gen == s.advanceGen:
			s.advanceStop = nil
			s.onAdvanceDue()
		case ev.kind == timerTranscript && ev.gen == s.transcriptGen:
			s.transcriptStop = nil
			s.log.Debug("transcription of the submitted answer timed out")
			s.finishSubmit()
		}
	case feedbackEvent:
		s.send(protocol.AnswerFeedback(ev.turnID, ev.fb))
	}
}

// ── Client side ───────────────────────────────────────────────────────────────

func (s *Session) onAudio(pcm []byte) {
	switch {
	case s.state.winding():
		s.metrics.RecordAudioDrop(s.ctx, "turn_closing")
		return
	case s.aiSpeaking:
		s.metrics.RecordAudioDrop(s.ctx, "ai_speaking")
		return
	}

	batch, ok := s.batcher.Push(pcm, !s.ready)
	if s.batcher.TakeDropped() > 0 {
		s.metrics.RecordAudioDrop(s.ctx, "overflow")
	}
	if ok {
		s.appendUp(batch)
	}
}

// appendUp forwards pcm, resampled to the Realtime input rate.
func (s *Session) appendUp(pcm []byte) {
	s.sendUp(realtime.AppendAudio(s.resampler.Process(pcm)))
	s.uncommitted += len(pcm)
	s.metrics.RecordBatch(s.ctx, len(pcm))
}

func (s *Session) onClient(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeConfig:
		s.onConfig(msg.SampleRate)
	case protocol.TypeStartQuestion:
		if !s.ready {
			s.log.Debug("deferring question until upstream is ready")
			s.pendingQ = msg.Question
			return
		}
		s.startQuestion(msg.Question)
	case protocol.TypeStopAI:
		s.stopAI()
	case protocol.TypeSubmitAnswer:
		s.submitAnswer(msg.Transcript)
	}
}

func (s *Session) onConfig(rate int) {
	if rate == s.sampleRate {
		return
	}
	if held := s.batcher.Flush(); held != nil && s.ready {
		s.appendUp(held)
	}
	s.log.Info("client sample rate negotiated", "from", s.sampleRate, "to", rate)
	s.sampleRate = rate
	s.resampler = audio.NewResampler(rate, realtime.SampleRate)
	s.batcher = NewBatcher(rate, s.cfg.BatchTargetMs, s.cfg.MaxBufferedMs)
}

func (s *Session) startQuestion(q string) {
	if s.awaitingTranscript {
		s.finishSubmit()
	}
	s.stopTimers()
	s.cancelReply()
	s.batcher.Reset()
	s.sendUp(realtime.Clear())
	s.uncommitted = 0
	s.serverCommitted = false
	s.followups = 0
	s.closingSent = false
	s.userSpeaking = false
	s.commitAt = time.Time{}
	s.discardTurn()

	t := &turn{id: uuid.NewString(), question: q, started: s.clock.Now()}
	s.turn = t
	s.turnSpan = observe.StartTurnSpan(s.ctx, s.id, t.id)
	s.log.Info("question started", "turn_id", t.id)

	s.sendUp(realtime.CreateUserText(s.questionPrompt(q)))
	s.requestReply(replyQuestion, realtime.ResponseOptions{MaxOutputTokens: s.cfg.QuestionMaxTokens})
	s.setState(StateQuestionAsked)
}

func (s *Session) stopAI() {
	s.cancelCommit()
	cancelled := s.cancelReply()
	s.batcher.Reset()
	s.log.Info("client stopped the interviewer", "cancelled", cancelled)

	switch s.state {
	case StateClosing:
		// Skip whatever is left of the closing utterance.
		s.closingSent = true
		s.scheduleAdvance()
	case StateIdle, StateClosed:
	default:
		s.setState(StateListening)
	}
}

func (s *Session) submitAnswer(override string) {
	if s.turn == nil {
		s.send(protocol.Error("no active question to submit"))
		return
	}
	if s.awaitingTranscript {
		s.cancelTranscriptWait()
		s.closeTurn(protocol.ReasonSubmitted, override)
		return
	}
	s.stopTimers()
	s.cancelReply()

	if residual := s.batcher.Flush(); residual != nil && s.ready {
		s.appendUp(residual)
	}
	switch {
	case s.uncommitted == 0:
	case s.uncommitted >= s.batcher.Threshold()/2:
		s.commitUp()
	default:
		s.sendUp(realtime.Clear())
		s.metrics.RecordCommit(s.ctx, observe.CommitCleared)
	}
	s.uncommitted = 0
	s.setState(StateClosed)

	// Without an override the stored answer is the heard speech, so the
	// turn stays open until the last commit has been transcribed.
	if strings.TrimSpace(override) == "" && s.transcriptsDue > 0 && s.cfg.TranscriptWait > 0 {
		s.log.Debug("waiting for the final transcription", "pending", s.transcriptsDue)
		s.awaitTranscript()
		return
	}
	s.closeTurn(protocol.ReasonSubmitted, override)
}

// finishSubmit closes a submitted turn that was waiting for its transcript.
func (s *Session) finishSubmit() {
	s.cancelTranscriptWait()
	s.closeTurn(protocol.ReasonSubmitted, "")
}

// commitUp commits the upstream input buffer. Its transcription is counted
// as pending until it completes, fails or the commit is rejected.
func (s *Session) commitUp() {
	s.sendUp(realtime.Commit())
	s.pendingAcks++
	s.transcriptsDue++
	s.metrics.RecordCommit(s.ctx, observe.CommitCommitted)
}

// ── Upstream side ─────────────────────────────────────────────────────────────

func (s *Session) onUpstream(ev *realtime.ServerEvent) {
	switch ev.Type {
	case realtime.EventSessionCreated:
		s.log.Debug("upstream session created")
	case realtime.EventSessionUpdated:
		s.onReady()
	case realtime.EventSpeechStarted:
		s.onSpeechStarted()
	case realtime.EventSpeechStopped:
		s.onSpeechStopped()
	case realtime.EventCommitted:
		s.onCommitted()
	case realtime.EventTranscriptionDelta:
		if ev.Delta != "" {
			s.heard = append(s.heard, ev.Delta)
		}
	case realtime.EventTranscriptionComplete:
		s.onUserTranscript(ev.Transcript)
	case realtime.EventTranscriptionFailed:
		s.log.Warn("input transcription failed", "err", ev.Error)
		s.heard = nil
		s.transcriptSettled()
	case realtime.EventResponseCreated:
		s.onResponseCreated(ev.ResponseRef())
	case realtime.EventTextDelta, realtime.EventAudioTranscriptDelta:
		s.onReplyDelta(ev)
	case realtime.EventTextDone:
		s.onReplyTextDone(ev, ev.Text)
	case realtime.EventAudioTranscriptDone:
		s.onReplyTextDone(ev, ev.Transcript)
	case realtime.EventAudioDelta:
		s.onReplyAudio(ev)
	case realtime.EventAudioDone:
		s.onReplyAudioDone(ev)
	case realtime.EventResponseDone:
		s.onResponseDone(ev)
	case realtime.EventError:
		s.onUpstreamError(ev)
	default:
		s.log.Debug("ignoring upstream event", "type", ev.Type)
	}
}

func (s *Session) onReady() {
	if s.ready {
		return
	}
	s.ready = true
	s.send(protocol.Simple(protocol.TypeAIReady))
	if held := s.batcher.Flush(); held != nil {
		s.appendUp(held)
	}
	if q := s.pendingQ; q != "" {
		s.pendingQ = ""
		s.startQuestion(q)
	}
}

func (s *Session) onSpeechStarted() {
	if s.state.winding() {
		return
	}
	s.userSpeaking = true
	s.serverCommitted = false
	s.send(protocol.Simple(protocol.TypeUserSpeakingStarted))
	s.cancelCommit()

	if s.cancelReply() {
		s.metrics.BargeIns.Add(s.ctx, 1)
		s.log.Info("candidate interrupted the interviewer")
	}
	if s.state != StateIdle {
		s.setState(StateSpeechDetected)
	}
}

func (s *Session) onSpeechStopped() {
	if s.state.winding() {
		return
	}
	s.userSpeaking = false
	s.send(protocol.Simple(protocol.TypeUserSpeakingStopped))
	if s.state != StateSpeechDetected {
		return
	}
	s.setState(StateSpeechEnded)
	s.scheduleCommit()
}

// onCommitted separates acknowledgements of our own commits from commits the
// server VAD made on its own.
func (s *Session) onCommitted() {
	if s.pendingAcks > 0 {
		s.pendingAcks--
		return
	}
	s.lastCommitBytes = s.uncommitted
	s.uncommitted = 0
	s.serverCommitted = true
	s.transcriptsDue++
}

// onCommitDue ends an utterance: commit it, discard it if it is too short
// to transcribe, or accept the commit the server already made.
func (s *Session) onCommitDue() {
	if s.state != StateSpeechEnded {
		return
	}
	s.setState(StateCommitting)
	if residual := s.batcher.Flush(); residual != nil {
		s.appendUp(residual)
	}
	half := s.batcher.Threshold() / 2

	if s.serverCommitted {
		s.serverCommitted = false
		s.metrics.RecordCommit(s.ctx, observe.CommitServer)
		if s.lastCommitBytes < half {
			s.log.Debug("utterance too short, not replying", "bytes", s.lastCommitBytes)
			s.setState(StateListening)
			return
		}
		s.afterCommit()
		return
	}

	switch {
	case s.uncommitted == 0:
		s.setState(StateListening)
	case s.uncommitted < half:
		s.sendUp(realtime.Clear())
		s.metrics.RecordCommit(s.ctx, observe.CommitCleared)
		s.log.Debug("utterance too short, clearing", "bytes", s.uncommitted)
		s.uncommitted = 0
		s.setState(StateListening)
	default:
		s.commitUp()
		s.uncommitted = 0
		s.afterCommit()
	}
}

// afterCommit gates the reply on the follow-up quota.
func (s *Session) afterCommit() {
	if s.turn == nil {
		s.setState(StateListening)
		return
	}
	s.commitAt = s.clock.Now()
	if s.followups < s.cfg.MaxFollowups {
		s.requestReply(replyAnswer, realtime.ResponseOptions{MaxOutputTokens: s.cfg.ReplyMaxTokens})
		s.setState(StateAwaitingReply)
		return
	}
	s.requestClosing()
}

// onUserTranscript forwards a finished input transcription. Deltas are held
// until then so filler never reaches the client, even in pieces.
func (s *Session) onUserTranscript(text string) {
	defer s.transcriptSettled()
	deltas := s.heard
	s.heard = nil

	if v := s.filter.Check(text); v.Rejected {
		s.metrics.RecordFiltered(s.ctx, v.Reason)
		s.log.Debug("transcript filtered", "reason", v.Reason, "rule", v.Rule, "deltas", len(deltas))
		return
	}
	for _, d := range deltas {
		s.send(protocol.TextMessage(protocol.TypeUserTranscriptDelta, d))
	}
	text = strings.TrimSpace(text)
	s.send(protocol.TextMessage(protocol.TypeUserTranscriptComplete, text))
	if s.turn != nil {
		s.turn.answers = append(s.turn.answers, text)
	}
}

// transcriptSettled accounts for one commit whose transcription is no longer
// pending and closes a submitted turn once none are left.
func (s *Session) transcriptSettled() {
	if s.transcriptsDue > 0 {
		s.transcriptsDue--
	}
	if s.awaitingTranscript && s.transcriptsDue == 0 {
		s.finishSubmit()
	}
}

func (s *Session) onUpstreamError(ev *realtime.ServerEvent) {
	switch {
	case ev.IsCommitRejection():
		s.log.Debug("upstream rejected commit, clearing buffer", "err", ev.Error)
		s.sendUp(realtime.Clear())
		s.uncommitted = 0
		s.metrics.RecordCommit(s.ctx, observe.CommitRejected)
		if s.pendingAcks > 0 {
			s.pendingAcks--
			s.transcriptSettled()
		}
	case ev.IsCancelNotActive():
		s.log.Debug("cancel raced the end of the reply")
	default:
		msg := "upstream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.metrics.RecordUpstreamError(s.ctx, "api")
		s.log.Warn("upstream error", "err", ev.Error)
		s.send(protocol.Error(msg))
	}
}

// ── Replies ───────────────────────────────────────────────────────────────────

func (s *Session) requestReply(kind replyKind, opts realtime.ResponseOptions) {
	s.sendUp(realtime.CreateResponse(opts))
	s.requested = append(s.requested, pendingReply{kind: kind})
}

// replyInFlight reports whether a live reply is streaming or requested.
func (s *Session) replyInFlight() bool {
	if s.reply != nil {
		return true
	}
	for _, p := range s.requested {
		if !p.fenced {
			return true
		}
	}
	return false
}

// cancelReply cancels and fences every live reply. Events for a fenced reply
// are dropped whenever they arrive, so the client never hears stale audio.
func (s *Session) cancelReply() bool {
	live := s.aiSpeaking
	if s.reply != nil {
		s.retired[s.reply.id] = true
		s.reply = nil
		live = true
	}
	for i := range s.requested {
		if !s.requested[i].fenced {
			s.requested[i].fenced = true
			live = true
		}
	}
	if !live {
		return false
	}
	s.sendUp(realtime.CancelResponse())
	s.aiSpeaking = false
	s.send(protocol.Simple(protocol.TypeAIInterrupted))
	return true
}

func (s *Session) onResponseCreated(id string) {
	if id == "" || s.retired[id] {
		return
	}
	if len(s.requested) == 0 {
		s.log.Warn("cancelling unrequested response", "response_id", id)
		s.retired[id] = true
		s.sendUp(realtime.CancelResponse())
		return
	}
	p := s.requested[0]
	s.requested = s.requested[1:]
	if p.fenced {
		s.retired[id] = true
		s.sendUp(realtime.CancelResponse())
		return
	}
	if s.reply != nil {
		s.retired[s.reply.id] = true
	}
	s.reply = &reply{id: id, kind: p.kind}
}

// replyFor returns the live reply id belongs to, or nil when its events must
// be dropped.
func (s *Session) replyFor(id string) *reply {
	if id == "" || s.retired[id] {
		return nil
	}
	if s.reply == nil {
		// response.created was not seen; adopt the id.
		s.onResponseCreated(id)
	}
	if s.reply != nil && s.reply.id == id {
		return s.reply
	}
	return nil
}

func textSource(eventType string) string {
	switch eventType {
	case realtime.EventTextDelta, realtime.EventTextDone:
		return "text"
	default:
		return "transcript"
	}
}

func (s *Session) onReplyDelta(ev *realtime.ServerEvent) {
	r := s.replyFor(ev.ResponseRef())
	if r == nil || ev.Delta == "" {
		return
	}
	src := textSource(ev.Type)
	if r.textSource == "" {
		r.textSource = src
	} else if r.textSource != src {
		return
	}
	r.text.WriteString(ev.Delta)
	s.send(protocol.TextMessage(protocol.TypeAIResponseDelta, ev.Delta))
}

func (s *Session) onReplyTextDone(ev *realtime.ServerEvent, full string) {
	r := s.replyFor(ev.ResponseRef())
	if r == nil {
		return
	}
	src := textSource(ev.Type)
	if r.textSource != "" && r.textSource != src {
		return
	}
	r.textSource = src
	if full != "" {
		r.text.Reset()
		r.text.WriteString(full)
	}
	s.evaluate(r)
}

// evaluate reports the finished reply text once and applies the follow-up
// rule to answer replies.
func (s *Session) evaluate(r *reply) {
	if r.evaluated {
		return
	}
	r.evaluated = true
	text := strings.TrimSpace(r.text.String())

	if r.kind == replyAnswer && strings.Contains(text, "?") {
		if s.followups < s.cfg.MaxFollowups {
			s.followups++
			if s.turn != nil {
				s.turn.followups = append(s.turn.followups, text)
			}
			s.log.Info("follow-up question asked", "count", s.followups, "max", s.cfg.MaxFollowups)
			if s.followups >= s.cfg.MaxFollowups {
				// The closing line follows this reply; no further answer is awaited.
				s.requestClosing()
			}
		} else {
			s.log.Info("follow-up quota exhausted, closing the question")
			s.requestClosing()
		}
	}
	s.send(protocol.AIResponseComplete(text, s.followups))
}

func (s *Session) onReplyAudio(ev *realtime.ServerEvent) {
	r := s.replyFor(ev.ResponseRef())
	if r == nil {
		return
	}
	pcm, err := ev.Audio()
	if err != nil {
		s.log.Warn("dropping undecodable reply audio", "err", err)
		return
	}
	if !r.sawAudio {
		r.sawAudio = true
		if r.kind == replyAnswer && !s.commitAt.IsZero() {
			s.metrics.ReplyLatency.Record(s.ctx, s.clock.Now().Sub(s.commitAt).Seconds())
			s.commitAt = time.Time{}
		}
		if !s.state.winding() {
			s.setState(StateAISpeaking)
		}
	}
	s.aiSpeaking = true
	s.send(protocol.AIAudio(pcm))
}

func (s *Session) onReplyAudioDone(ev *realtime.ServerEvent) {
	r := s.replyFor(ev.ResponseRef())
	if r == nil {
		return
	}
	r.audioDone = true
	s.aiSpeaking = false
	s.send(protocol.Simple(protocol.TypeAIAudioDone))
	s.maybeFinish(r)
}

func (s *Session) onResponseDone(ev *realtime.ServerEvent) {
	r := s.replyFor(ev.ResponseRef())
	if r == nil {
		return
	}
	r.done = true
	incomplete := ev.Response != nil && ev.Response.Status != "" && ev.Response.Status != "completed"
	if !r.sawAudio || incomplete {
		r.audioDone = true
		s.aiSpeaking = false
	}
	s.maybeFinish(r)
}

func (s *Session) maybeFinish(r *reply) {
	if r.audioDone && r.done {
		s.finishReply(r)
	}
}

// finishReply runs once both the audio stream and the response are done.
func (s *Session) finishReply(r *reply) {
	s.evaluate(r)
	s.retired[r.id] = true
	s.reply = nil
	s.aiSpeaking = false
	s.send(protocol.Simple(protocol.TypeAITurnComplete))

	switch {
	case s.state == StateClosed:
	case r.kind == replyClosing:
		s.scheduleAdvance()
	case s.state == StateClosing:
		s.requestClosing()
	default:
		s.setState(StateListening)
	}
}

// requestClosing moves to CLOSING and asks for the closing utterance once.
// While another reply is live the request waits for finishReply.
func (s *Session) requestClosing() {
	s.setState(StateClosing)
	if s.closingSent || s.replyInFlight() {
		return
	}
	s.closingSent = true
	s.requestReply(replyClosing, realtime.ResponseOptions{
		Instructions:    closingInstructions(s.cfg.ClosingUtterance),
		MaxOutputTokens: s.cfg.ReplyMaxTokens,
	})
}

func (s *Session) onAdvanceDue() {
	if s.state != StateClosing {
		return
	}
	s.send(protocol.AutoAdvance(protocol.ReasonMaxFollowups))
	s.metrics.AutoAdvances.Add(s.ctx, 1)
	s.setState(StateClosed)
	s.closeTurn(protocol.ReasonMaxFollowups, "")
}
