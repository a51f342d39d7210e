package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"microledger.dev/consensus/protocol"
	"microledger.dev/consensus/transport"
)

// Scheduler is the participant-side dispatcher: it demultiplexes one agent's
// inbound message stream into per-thread-id instances, and enforces that at
// most one live instance owns a given ledger name at a time. It plays the
// role node/sync.go's SyncEngine plays for inbound p2p messages, retargeted
// from block/header sync onto protocol threads.
type Scheduler struct {
	selfDID string
	datadir string
	col     Collaborators
	logger  *slog.Logger

	mu          sync.Mutex
	instances   map[string]chan transport.Inbound // thid -> demuxed inbox
	ledgerOwner map[string]string                 // ledger name -> owning thid
	startID     map[string]string                 // thid -> @id of the message that spawned its instance
	finished    map[string][]recordedSend         // thid -> outbound replies recorded for idempotent replay
	wg          sync.WaitGroup
}

// NewScheduler builds a Scheduler for the agent identified by selfDID,
// storing ledgers under datadir.
func NewScheduler(selfDID, datadir string, col Collaborators, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		selfDID:     selfDID,
		datadir:     datadir,
		col:         col,
		logger:      logger,
		instances:   make(map[string]chan transport.Inbound),
		ledgerOwner: make(map[string]string),
		startID:     make(map[string]string),
		finished:    make(map[string][]recordedSend),
	}
}

// Run consumes inbox until ctx is done, dispatching each message to its
// thread's instance (spawning a fresh participant instance for messages
// that open a new protocol run).
func (s *Scheduler) Run(ctx context.Context, inbox <-chan transport.Inbound) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case in := <-inbox:
			s.dispatch(ctx, in)
		}
	}
}

// Wait blocks until every spawned instance goroutine has returned. Intended
// for tests and the demo CLI's clean shutdown path.
func (s *Scheduler) Wait() { s.wg.Wait() }

type idOnly struct {
	ID string `json:"@id"`
}

func msgID(body []byte) string {
	var e idOnly
	_ = json.Unmarshal(body, &e)
	return e.ID
}

// recordedSend is one outbound message captured while an instance was live,
// replayed verbatim to answer a later duplicate delivery of the message
// that started the instance without re-running any state transition.
type recordedSend struct {
	to      string
	msgType string
	body    []byte
}

// recordingChannel wraps the real Channel so the scheduler can remember
// every reply a participant instance sent, without the instance itself
// knowing it is being recorded.
type recordingChannel struct {
	inner transport.Channel
	mu    sync.Mutex
	sent  []recordedSend
}

func (r *recordingChannel) Send(ctx context.Context, to, thid, msgType string, body []byte) error {
	r.mu.Lock()
	r.sent = append(r.sent, recordedSend{to: to, msgType: msgType, body: append([]byte(nil), body...)})
	r.mu.Unlock()
	return r.inner.Send(ctx, to, thid, msgType, body)
}

func (s *Scheduler) dispatch(ctx context.Context, in transport.Inbound) {
	id := msgID(in.Body)

	s.mu.Lock()
	ch, live := s.instances[in.Thid]
	startID := s.startID[in.Thid]
	s.mu.Unlock()

	if live {
		if id != "" && id == startID {
			s.logger.Info("scheduler: dropping duplicate delivery of the message that started this instance", "thid", in.Thid, "id", id)
			return
		}
		ch <- in
		return
	}

	s.mu.Lock()
	replay, done := s.finished[in.Thid]
	s.mu.Unlock()
	if done {
		s.logger.Info("scheduler: replaying recorded response for a finished thread", "thid", in.Thid, "id", id)
		for _, r := range replay {
			_ = s.col.Channel.Send(ctx, r.to, in.Thid, r.msgType, r.body)
		}
		return
	}

	switch in.MsgType {
	case protocol.TypeInitializeRequest:
		var req protocol.InitializeRequest
		if err := json.Unmarshal(in.Body, &req); err != nil {
			s.logger.Warn("scheduler: bad initialize-request", "err", err)
			return
		}
		s.spawnParticipant(ctx, in.Thid, id, req.Ledger.Name, in.From, func(inbox chan transport.Inbound, col Collaborators) {
			cfg := ParticipantInitializeConfig{Datadir: s.datadir, SelfDID: s.selfDID}
			if _, err := RespondToInitializeRequest(ctx, col, cfg, in.From, req, inbox); err != nil {
				s.logger.Info("scheduler: initialize-ledger instance ended", "thid", in.Thid, "err", err)
			}
		})
	case protocol.TypeStagePropose:
		var msg protocol.StagePropose
		if err := json.Unmarshal(in.Body, &msg); err != nil {
			s.logger.Warn("scheduler: bad stage-propose", "err", err)
			return
		}
		s.spawnParticipant(ctx, in.Thid, id, msg.State.Name, in.From, func(inbox chan transport.Inbound, col Collaborators) {
			cfg := ParticipantConfig{Datadir: s.datadir, SelfDID: s.selfDID}
			if _, err := RespondToStagePropose(ctx, col, cfg, in.From, msg, inbox); err != nil {
				s.logger.Info("scheduler: accept-block instance ended", "thid", in.Thid, "err", err)
			}
		})
	default:
		s.logger.Warn("scheduler: message for unknown or already-finished thread", "thid", in.Thid, "type", in.MsgType)
	}
}

func (s *Scheduler) spawnParticipant(ctx context.Context, thid, startMsgID, ledgerName, to string, run func(inbox chan transport.Inbound, col Collaborators)) {
	s.mu.Lock()
	if owner, ok := s.ledgerOwner[ledgerName]; ok {
		s.mu.Unlock()
		s.logger.Warn("scheduler: refusing to start a new instance, ledger already owned", "ledger", ledgerName, "owner_thid", owner, "refused_thid", thid)
		pr := protocol.NewProblemReport(protocol.NewMessageID(), thid, protocol.RequestNotAccepted, fmt.Sprintf("ledger %q already owned by another in-flight thread", ledgerName))
		body, _ := json.Marshal(pr)
		_ = s.col.Channel.Send(ctx, to, thid, protocol.TypeProblemReport, body)
		return
	}

	rec := &recordingChannel{inner: s.col.Channel}
	col := s.col
	col.Channel = rec

	inbox := make(chan transport.Inbound, 16)
	s.instances[thid] = inbox
	s.ledgerOwner[ledgerName] = thid
	s.startID[thid] = startMsgID
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(thid, ledgerName, rec)
		run(inbox, col)
	}()
}

func (s *Scheduler) release(thid, ledgerName string, rec *recordingChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, thid)
	delete(s.ledgerOwner, ledgerName)
	delete(s.startID, thid)
	rec.mu.Lock()
	s.finished[thid] = rec.sent
	rec.mu.Unlock()
}
