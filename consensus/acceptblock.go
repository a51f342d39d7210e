package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"microledger.dev/consensus/canonicaljson"
	"microledger.dev/consensus/protocol"
	"microledger.dev/consensus/sigenvelope"
	"microledger.dev/consensus/store"
	"microledger.dev/consensus/transport"
)

// CommitConfig is the actor's input to the accept-block (4-stage commit)
// protocol.
type CommitConfig struct {
	Datadir      string
	SelfDID      string
	Name         string
	Transactions []store.Txn
	Participants []string // other signer DIDs, not including SelfDID
	TimeoutSec   int64
}

// CommitResult is the outcome of a successful accept-block run: the
// resulting committed snapshot plus whichever post-commit signatures were
// collected into the quorum certificate. A participant whose post-commit
// never arrives does not block the actor's own commit: this is a known,
// accepted limitation — such a straggler is only detected later, via a
// size mismatch on its next propose round.
type CommitResult struct {
	Snapshot store.Snapshot
	Quorum   map[string]protocol.StagePostCommit
}

type hashPayload struct {
	Hash string `json:"hash"`
}

// CommitBlock drives the actor side of accept-block to completion: stages
// cfg.Transactions, collects a pre-commit witness from every participant,
// broadcasts the stage-commit, commits locally, and gathers whatever
// post-commits arrive before the deadline.
func CommitBlock(ctx context.Context, col Collaborators, cfg CommitConfig, inbox <-chan transport.Inbound) (CommitResult, error) {
	ledger, err := store.Open(cfg.Datadir, cfg.Name)
	if err != nil {
		return CommitResult{}, err
	}
	defer ledger.Close()
	if !ledger.Exists() {
		return CommitResult{}, fmt.Errorf("consensus: ledger %q has no genesis", cfg.Name)
	}

	staged, err := ledger.Stage(cfg.Transactions...)
	if err != nil {
		return CommitResult{}, err
	}
	hash, err := canonicaljson.Md5Hex(staged)
	if err != nil {
		ledger.DiscardStaged()
		return CommitResult{}, err
	}

	thid := protocol.NewThid()
	participants := append([]string{cfg.SelfDID}, cfg.Participants...)
	propose := protocol.StagePropose{
		Type:   protocol.TypeStagePropose,
		ID:     protocol.NewMessageID(),
		Thread: protocol.Thread{Thid: thid},
		StageProposeBody: protocol.StageProposeBody{
			Participants: participants,
			Transactions: cfg.Transactions,
			State:        staged,
			Hash:         hash,
			TimeoutSec:   cfg.TimeoutSec,
		},
	}
	body, err := json.Marshal(propose)
	if err != nil {
		ledger.DiscardStaged()
		return CommitResult{}, err
	}
	for _, p := range cfg.Participants {
		if err := col.Channel.Send(ctx, p, thid, protocol.TypeStagePropose, body); err != nil {
			ledger.DiscardStaged()
			return CommitResult{}, err
		}
	}

	preCommits := map[string]protocol.StagePreCommit{}
	until := deadline(col, cfg.TimeoutSec)
	for len(preCommits) < len(cfg.Participants) {
		in, ok, err := recvUntil(ctx, inbox, until)
		if err != nil || !ok {
			ledger.DiscardStaged()
			abortBroadcast(col, cfg.Participants, thid, protocol.ResponseNotAccepted, "timed out awaiting stage-pre-commit")
			return CommitResult{}, fmt.Errorf("consensus: accept-block aborted awaiting pre-commits: %w", firstNonNil(err, fmt.Errorf("timeout")))
		}
		switch in.MsgType {
		case protocol.TypeStagePreCommit:
			var pc protocol.StagePreCommit
			if err := json.Unmarshal(in.Body, &pc); err != nil {
				ledger.DiscardStaged()
				return CommitResult{}, err
			}
			if pc.Hash != hash {
				ledger.DiscardStaged()
				abortBroadcast(col, cfg.Participants, thid, protocol.ResponseProcessingError, "pre-commit hash mismatch")
				return CommitResult{}, fmt.Errorf("consensus: %s pre-committed a different hash", in.From)
			}
			res, err := sigenvelope.Verify(col.Resolver, pc.HashSig, in.From, hashPayload{Hash: pc.Hash}, sigenvelope.DefaultMaxSkewSec)
			if err != nil || !res.OK {
				ledger.DiscardStaged()
				abortBroadcast(col, cfg.Participants, thid, protocol.ResponseNotAccepted, "invalid pre-commit signature")
				return CommitResult{}, fmt.Errorf("consensus: invalid pre-commit signature from %s", in.From)
			}
			preCommits[in.From] = pc
		case protocol.TypeProblemReport:
			ledger.DiscardStaged()
			var pr protocol.ProblemReport
			_ = json.Unmarshal(in.Body, &pr)
			return CommitResult{}, pr
		}
	}

	ownSig, err := sigenvelope.SignPayload(col.Signer, cfg.SelfDID, hashPayload{Hash: hash})
	if err != nil {
		ledger.DiscardStaged()
		return CommitResult{}, err
	}
	preCommits[cfg.SelfDID] = protocol.StagePreCommit{Type: protocol.TypeStagePreCommit, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid}, Hash: hash, HashSig: ownSig}

	commitBody := protocol.StageCommitBody{Participants: participants, PreCommits: preCommits, Thread: protocol.Thread{Thid: thid}}
	actorSig, err := sigenvelope.SignPayload(col.Signer, cfg.SelfDID, commitBody)
	if err != nil {
		ledger.DiscardStaged()
		return CommitResult{}, err
	}
	commit := protocol.StageCommit{Type: protocol.TypeStageCommit, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid}, Body: commitBody, ActorSig: actorSig}
	commitWire, err := json.Marshal(commit)
	if err != nil {
		ledger.DiscardStaged()
		return CommitResult{}, err
	}
	for _, p := range cfg.Participants {
		_ = col.Channel.Send(ctx, p, thid, protocol.TypeStageCommit, commitWire)
	}

	final, err := ledger.CommitStaged()
	if err != nil {
		return CommitResult{}, err
	}

	quorum := map[string]protocol.StagePostCommit{}
	postUntil := deadline(col, cfg.TimeoutSec)
	for len(quorum) < len(cfg.Participants) {
		in, ok, err := recvUntil(ctx, inbox, postUntil)
		if err != nil || !ok {
			// A straggler does not roll back the actor's own commit.
			break
		}
		if in.MsgType != protocol.TypeStagePostCommit {
			continue
		}
		var pc protocol.StagePostCommit
		if err := json.Unmarshal(in.Body, &pc); err != nil {
			continue
		}
		res, err := sigenvelope.Verify(col.Resolver, pc.CommitSig, in.From, commitBody, sigenvelope.DefaultMaxSkewSec)
		if err != nil || !res.OK {
			continue
		}
		quorum[in.From] = pc
	}

	return CommitResult{Snapshot: final, Quorum: quorum}, nil
}

// ParticipantConfig is a participant's input to accept-block.
type ParticipantConfig struct {
	Datadir string
	SelfDID string
}

// RespondToStagePropose drives the participant side of accept-block:
// replays the proposed stage locally, witnesses its hash, and — once the
// actor's stage-commit arrives — commits and emits the post-commit that
// completes the quorum certificate.
func RespondToStagePropose(ctx context.Context, col Collaborators, cfg ParticipantConfig, actorDID string, msg protocol.StagePropose, inbox <-chan transport.Inbound) (store.Snapshot, error) {
	thid := msg.Thread.Thid
	reject := func(code protocol.ProblemCode, explain string) (store.Snapshot, error) {
		pr := protocol.NewProblemReport(protocol.NewMessageID(), thid, code, explain)
		body, _ := json.Marshal(pr)
		_ = col.Channel.Send(ctx, actorDID, thid, protocol.TypeProblemReport, body)
		return store.Snapshot{}, pr
	}

	if !contains(msg.Participants, actorDID) {
		return reject(protocol.RequestProcessingError, "stage-propose sender is not listed among participants")
	}
	if !store.ExistsOnDisk(cfg.Datadir, msg.State.Name) {
		return reject(protocol.RequestNotAccepted, fmt.Sprintf("unknown ledger %q", msg.State.Name))
	}
	ledger, err := store.Open(cfg.Datadir, msg.State.Name)
	if err != nil {
		return reject(protocol.RequestProcessingError, err.Error())
	}
	defer ledger.Close()

	staged, err := ledger.Stage(msg.Transactions...)
	if err != nil {
		ledger.DiscardStaged()
		return reject(protocol.RequestProcessingError, err.Error())
	}
	hash, err := canonicaljson.Md5Hex(staged)
	if err != nil {
		ledger.DiscardStaged()
		return store.Snapshot{}, err
	}
	if hash != msg.Hash || staged.UncommittedSize != msg.State.UncommittedSize {
		ledger.DiscardStaged()
		return reject(protocol.RequestProcessingError, "recomputed state does not match the proposed hash")
	}

	selfSig, err := sigenvelope.SignPayload(col.Signer, cfg.SelfDID, hashPayload{Hash: hash})
	if err != nil {
		ledger.DiscardStaged()
		return store.Snapshot{}, err
	}
	preCommit := protocol.StagePreCommit{Type: protocol.TypeStagePreCommit, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid}, Hash: hash, HashSig: selfSig}
	body, err := json.Marshal(preCommit)
	if err != nil {
		ledger.DiscardStaged()
		return store.Snapshot{}, err
	}
	if err := col.Channel.Send(ctx, actorDID, thid, protocol.TypeStagePreCommit, body); err != nil {
		ledger.DiscardStaged()
		return store.Snapshot{}, err
	}

	until := deadline(col, msg.TimeoutSec)
	in, ok, err := recvUntil(ctx, inbox, until)
	if err != nil || !ok {
		ledger.DiscardStaged()
		return store.Snapshot{}, fmt.Errorf("consensus: timed out awaiting stage-commit for %s", thid)
	}
	if in.MsgType == protocol.TypeProblemReport {
		ledger.DiscardStaged()
		var pr protocol.ProblemReport
		_ = json.Unmarshal(in.Body, &pr)
		return store.Snapshot{}, pr
	}
	if in.MsgType != protocol.TypeStageCommit {
		ledger.DiscardStaged()
		return reject(protocol.ResponseNotAccepted, fmt.Sprintf("unexpected message %s awaiting stage-commit", in.MsgType))
	}
	var commit protocol.StageCommit
	if err := json.Unmarshal(in.Body, &commit); err != nil {
		ledger.DiscardStaged()
		return reject(protocol.ResponseNotAccepted, fmt.Sprintf("malformed stage-commit: %v", err))
	}
	res, err := sigenvelope.Verify(col.Resolver, commit.ActorSig, actorDID, commit.Body, sigenvelope.DefaultMaxSkewSec)
	if err != nil || !res.OK {
		ledger.DiscardStaged()
		return reject(protocol.ResponseNotAccepted, fmt.Sprintf("stage-commit signature from %s does not verify", actorDID))
	}
	if _, ok := commit.Body.PreCommits[cfg.SelfDID]; !ok {
		ledger.DiscardStaged()
		return reject(protocol.ResponseNotAccepted, "stage-commit is missing this participant's own pre-commit")
	}
	if _, ok := commit.Body.PreCommits[actorDID]; !ok {
		ledger.DiscardStaged()
		return reject(protocol.ResponseNotAccepted, "stage-commit is missing the actor's pre-commit")
	}
	for did, pc := range commit.Body.PreCommits {
		if pc.Hash != hash {
			ledger.DiscardStaged()
			return reject(protocol.ResponseNotAccepted, fmt.Sprintf("enclosed pre-commit from %s covers a different hash", did))
		}
		res, err := sigenvelope.Verify(col.Resolver, pc.HashSig, did, hashPayload{Hash: pc.Hash}, sigenvelope.DefaultMaxSkewSec)
		if err != nil || !res.OK {
			ledger.DiscardStaged()
			return reject(protocol.ResponseNotAccepted, fmt.Sprintf("enclosed pre-commit signature from %s does not verify", did))
		}
	}

	final, err := ledger.CommitStaged()
	if err != nil {
		return store.Snapshot{}, err
	}

	postSig, err := sigenvelope.SignPayload(col.Signer, cfg.SelfDID, commit.Body)
	if err != nil {
		return final, nil
	}
	post := protocol.StagePostCommit{Type: protocol.TypeStagePostCommit, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid}, CommitSig: postSig}
	postBody, err := json.Marshal(post)
	if err == nil {
		_ = col.Channel.Send(ctx, actorDID, thid, protocol.TypeStagePostCommit, postBody)
	}
	return final, nil
}

func recvUntil(ctx context.Context, inbox <-chan transport.Inbound, until time.Time) (transport.Inbound, bool, error) {
	remaining := time.Until(until)
	if remaining <= 0 {
		return transport.Inbound{}, false, nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return transport.Inbound{}, false, ctx.Err()
	case <-timer.C:
		return transport.Inbound{}, false, nil
	case in := <-inbox:
		return in, true, nil
	}
}

func abortBroadcast(col Collaborators, participants []string, thid string, code protocol.ProblemCode, explain string) {
	pr := protocol.NewProblemReport(protocol.NewMessageID(), thid, code, explain)
	body, _ := json.Marshal(pr)
	for _, p := range participants {
		_ = col.Channel.Send(context.Background(), p, thid, protocol.TypeProblemReport, body)
	}
}

func firstNonNil(err error, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
