package consensus

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"microledger.dev/consensus/canonicaljson"
	"microledger.dev/consensus/didkey"
	"microledger.dev/consensus/protocol"
	"microledger.dev/consensus/sigenvelope"
	"microledger.dev/consensus/store"
	"microledger.dev/consensus/transport"
)

type agent struct {
	did     string
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	datadir string
	inbox   <-chan transport.Inbound
	channel transport.Channel
}

func newTestWorld(t *testing.T, dids []string, fabric *transport.InMemoryFabric) (map[string]*agent, didkey.Resolver) {
	t.Helper()
	agents := make(map[string]*agent, len(dids))
	verkeys := make(map[string]ed25519.PublicKey, len(dids))
	for _, did := range dids {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatal(err)
		}
		agents[did] = &agent{
			did:     did,
			pub:     pub,
			priv:    priv,
			datadir: t.TempDir(),
			inbox:   fabric.Register(did),
			channel: fabric.ChannelFor(did),
		}
		verkeys[did] = pub
	}
	return agents, didkey.NewStaticTable(verkeys)
}

func (a *agent) collaborators(resolver didkey.Resolver) Collaborators {
	return Collaborators{
		Signer:   sigenvelope.NewEd25519Signer(map[string]ed25519.PrivateKey{a.did: a.priv}),
		Resolver: resolver,
		Channel:  a.channel,
	}
}

func TestInitializeLedgerHappyPath(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1", "did:example:p2"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor := agents[dids[0]]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, did := range dids[1:] {
		p := agents[did]
		sched := NewScheduler(p.did, p.datadir, p.collaborators(resolver), nil)
		go sched.Run(ctx, p.inbox)
	}

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}, "kind": "genesis"}}
	cfg := InitializeConfig{
		Datadir:      actor.datadir,
		SelfDID:      actor.did,
		Name:         "ledger-1",
		Genesis:      genesis,
		Participants: dids[1:],
		TimeoutSec:   2,
	}
	snap, err := InitiateLedger(ctx, actor.collaborators(resolver), cfg, actor.inbox)
	if err != nil {
		t.Fatalf("initialize-ledger failed: %v", err)
	}
	if snap.Size != 1 {
		t.Fatalf("expected committed size 1, got %d", snap.Size)
	}

	for _, did := range dids[1:] {
		if !store.ExistsOnDisk(agents[did].datadir, "ledger-1") {
			t.Fatalf("%s never installed the ledger locally", did)
		}
	}
}

func TestInitializeLedgerParticipantRejectsUnlistedSelf(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor, p1 := agents[dids[0]], agents[dids[1]]

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}}}
	ledger, err := store.Open(actor.datadir, "ledger-2")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := ledger.Reset(genesis)
	if err != nil {
		t.Fatal(err)
	}
	_ = ledger.Close()

	info := protocol.LedgerInfo{Genesis: genesis, Name: "ledger-2", RootHash: snap.RootHash}
	lh, err := protocol.LedgerHashOf(info)
	if err != nil {
		t.Fatal(err)
	}
	actorCol := actor.collaborators(resolver)
	selfSig, err := sigenvelope.SignPayload(actorCol.Signer, actor.did, lh)
	if err != nil {
		t.Fatal(err)
	}
	req := protocol.InitializeRequest{
		Type:         protocol.TypeInitializeRequest,
		ID:           protocol.NewMessageID(),
		Thread:       protocol.Thread{Thid: protocol.NewThid()},
		Ledger:       info,
		LedgerHash:   lh,
		Participants: []string{actor.did}, // p1 deliberately omitted
		Signatures:   []sigenvelope.Envelope{selfSig},
	}

	p1Col := p1.collaborators(resolver)
	p1Inbox := make(chan transport.Inbound)
	_, err = RespondToInitializeRequest(ctx, p1Col, ParticipantInitializeConfig{Datadir: p1.datadir, SelfDID: p1.did}, actor.did, req, p1Inbox)
	if err == nil {
		t.Fatal("expected a participant left off the list to reject the request")
	}
	if store.ExistsOnDisk(p1.datadir, "ledger-2") {
		t.Fatal("rejected request must not install the ledger locally")
	}
}

func TestCommitBlockHappyPath(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1", "did:example:p2"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor := agents[dids[0]]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, did := range dids[1:] {
		p := agents[did]
		sched := NewScheduler(p.did, p.datadir, p.collaborators(resolver), nil)
		go sched.Run(ctx, p.inbox)
	}

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}}}
	icfg := InitializeConfig{Datadir: actor.datadir, SelfDID: actor.did, Name: "ledger-3", Genesis: genesis, Participants: dids[1:], TimeoutSec: 2}
	if _, err := InitiateLedger(ctx, actor.collaborators(resolver), icfg, actor.inbox); err != nil {
		t.Fatalf("initialize-ledger failed: %v", err)
	}

	batch := []store.Txn{{"kind": "payment", "amount": int64(7)}}
	ccfg := CommitConfig{Datadir: actor.datadir, SelfDID: actor.did, Name: "ledger-3", Transactions: batch, Participants: dids[1:], TimeoutSec: 2}
	res, err := CommitBlock(ctx, actor.collaborators(resolver), ccfg, actor.inbox)
	if err != nil {
		t.Fatalf("accept-block failed: %v", err)
	}
	if res.Snapshot.Size != 2 {
		t.Fatalf("expected committed size 2 after one batch, got %d", res.Snapshot.Size)
	}
	if len(res.Quorum) != 2 {
		t.Fatalf("expected a full quorum certificate, got %d entries", len(res.Quorum))
	}
}

func TestSchedulerRefusesSecondInstanceForSameLedger(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1"}
	agents, resolver := newTestWorld(t, dids, fabric)
	p1 := agents[dids[1]]

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	sched := NewScheduler(p1.did, p1.datadir, p1.collaborators(resolver), nil)

	sched.mu.Lock()
	sched.ledgerOwner["busy-ledger"] = "some-other-thid"
	sched.mu.Unlock()

	spawned := false
	sched.spawnParticipant(ctx, "new-thid", "msg-1", "busy-ledger", p1.did, func(inbox chan transport.Inbound, col Collaborators) {
		spawned = true
	})
	time.Sleep(10 * time.Millisecond)
	if spawned {
		t.Fatal("scheduler should have refused to start a second instance for an owned ledger")
	}
}

func TestSchedulerRefusalSendsProblemReport(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor, p1 := agents[dids[0]], agents[dids[1]]

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	sched := NewScheduler(p1.did, p1.datadir, p1.collaborators(resolver), nil)

	sched.mu.Lock()
	sched.ledgerOwner["busy-ledger"] = "some-other-thid"
	sched.mu.Unlock()

	sched.spawnParticipant(ctx, "new-thid", "msg-1", "busy-ledger", actor.did, func(inbox chan transport.Inbound, col Collaborators) {
		t.Fatal("must not spawn a second instance for an owned ledger")
	})

	select {
	case in := <-actor.inbox:
		if in.MsgType != protocol.TypeProblemReport {
			t.Fatalf("expected a problem_report, got %s", in.MsgType)
		}
		var pr protocol.ProblemReport
		if err := json.Unmarshal(in.Body, &pr); err != nil {
			t.Fatal(err)
		}
		if pr.ProblemCode != protocol.RequestNotAccepted {
			t.Fatalf("expected request_not_accepted, got %s", pr.ProblemCode)
		}
	case <-time.After(time.Second):
		t.Fatal("actor never received a problem_report for the refused thread")
	}
}

// TestInitializeLedgerDivergentGenesisHash covers boundary scenario 2: a
// proposed root_hash that does not match the stated genesis is rejected by
// every participant with a problem_report to the actor, and no peer keeps the
// ledger. The actor's side is forged by hand here, so the actor's own ledger
// is deleted by the test rather than by InitiateLedger's abort path.
func TestInitializeLedgerDivergentGenesisHash(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1", "did:example:p2"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor := agents[dids[0]]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, did := range dids[1:] {
		p := agents[did]
		sched := NewScheduler(p.did, p.datadir, p.collaborators(resolver), nil)
		go sched.Run(ctx, p.inbox)
	}

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}}}
	cfg := InitializeConfig{
		Datadir: actor.datadir, SelfDID: actor.did, Name: "ledger-divergent",
		Genesis: genesis, Participants: dids[1:], TimeoutSec: 2,
	}

	// Corrupt the genesis after the actor stages it locally by tampering
	// with the local ledger's genesis file is awkward to reach from here,
	// so this forges an initialize-request with a root_hash one byte off
	// from what the named genesis actually hashes to, the same way a
	// buggy or malicious actor would.
	ledger, err := store.Open(actor.datadir, "ledger-divergent")
	if err != nil {
		t.Fatal(err)
	}
	realSnap, err := ledger.Reset(genesis)
	if err != nil {
		t.Fatal(err)
	}
	_ = ledger.Close()
	_ = store.Delete(actor.datadir, "ledger-divergent")

	badInfo := protocol.LedgerInfo{Genesis: genesis, Name: "ledger-divergent", RootHash: realSnap.RootHash[:len(realSnap.RootHash)-1] + flipHexNibble(realSnap.RootHash[len(realSnap.RootHash)-1])}
	badHash, err := protocol.LedgerHashOf(badInfo)
	if err != nil {
		t.Fatal(err)
	}
	actorCol := actor.collaborators(resolver)
	selfSig, err := sigenvelope.SignPayload(actorCol.Signer, actor.did, badHash)
	if err != nil {
		t.Fatal(err)
	}
	thid := protocol.NewThid()
	req := protocol.InitializeRequest{
		Type: protocol.TypeInitializeRequest, ID: protocol.NewMessageID(),
		Thread: protocol.Thread{Thid: thid}, Ledger: badInfo, LedgerHash: badHash,
		Participants: append([]string{actor.did}, cfg.Participants...),
		Signatures:   []sigenvelope.Envelope{selfSig},
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range cfg.Participants {
		if err := actorCol.Channel.Send(ctx, p, thid, protocol.TypeInitializeRequest, body); err != nil {
			t.Fatal(err)
		}
	}

	for range cfg.Participants {
		select {
		case in := <-actor.inbox:
			if in.MsgType != protocol.TypeProblemReport {
				t.Fatalf("%s: expected problem_report, got %s", in.From, in.MsgType)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("a participant never responded to the divergent genesis")
		}
	}
	for _, did := range dids {
		if store.ExistsOnDisk(agents[did].datadir, "ledger-divergent") {
			t.Fatalf("%s must not retain ledger-divergent after a rejected genesis", did)
		}
	}
}

func flipHexNibble(c byte) string {
	if c == '0' {
		return "1"
	}
	return "0"
}

// TestCommitBlockPreCommitDissent covers boundary scenario 4: a participant
// that pre-commits a hash computed over tampered local staging is detected
// by the actor in stage 2, which multicasts response_processing_error and
// discards its own staged batch rather than committing.
func TestCommitBlockPreCommitDissent(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor, p1 := agents[dids[0]], agents[dids[1]]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}}}
	icfg := InitializeConfig{Datadir: actor.datadir, SelfDID: actor.did, Name: "ledger-dissent", Genesis: genesis, Participants: []string{p1.did}, TimeoutSec: 2}

	p1Sched := NewScheduler(p1.did, p1.datadir, p1.collaborators(resolver), nil)
	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		p1Sched.Run(schedCtx, p1.inbox)
		close(schedDone)
	}()
	if _, err := InitiateLedger(ctx, actor.collaborators(resolver), icfg, actor.inbox); err != nil {
		t.Fatalf("initialize-ledger failed: %v", err)
	}
	// Let p1's initialize-ledger instance consume the ack, then stop its
	// scheduler so the abort problem_report below reaches p1.inbox's reader
	// here instead of the scheduler's receive loop.
	p1Sched.Wait()
	stopSched()
	<-schedDone

	// Drive the actor side of accept-block directly, but have "p1" sign a
	// hash computed over tampered staging instead of running the normal
	// participant state machine, standing in for boundary scenario 4's
	// "test double".
	batch := []store.Txn{{"kind": "payment", "amount": int64(7)}}
	thid := protocol.NewThid()
	actorLedger, err := store.Open(actor.datadir, "ledger-dissent")
	if err != nil {
		t.Fatal(err)
	}
	staged, err := actorLedger.Stage(batch...)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := canonicaljson.Md5Hex(staged)
	if err != nil {
		t.Fatal(err)
	}
	_ = actorLedger.Close()

	p1Col := p1.collaborators(resolver)
	tamperedSig, err := sigenvelope.SignPayload(p1Col.Signer, p1.did, hashPayload{Hash: "tampered-" + hash})
	if err != nil {
		t.Fatal(err)
	}
	actorInbox := make(chan transport.Inbound, 4)
	go func() {
		pc := protocol.StagePreCommit{Type: protocol.TypeStagePreCommit, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid}, Hash: "tampered-" + hash, HashSig: tamperedSig}
		body, _ := json.Marshal(pc)
		actorInbox <- transport.Inbound{From: p1.did, Thid: thid, MsgType: protocol.TypeStagePreCommit, Body: body}
	}()

	ccfg := CommitConfig{Datadir: actor.datadir, SelfDID: actor.did, Name: "ledger-dissent", Transactions: batch, Participants: []string{p1.did}, TimeoutSec: 2}
	_, err = CommitBlock(ctx, actor.collaborators(resolver), ccfg, actorInbox)
	if err == nil {
		t.Fatal("expected accept-block to abort on pre-commit dissent")
	}

	select {
	case in := <-p1.inbox:
		if in.MsgType != protocol.TypeProblemReport {
			t.Fatalf("expected problem_report, got %s", in.MsgType)
		}
		var pr protocol.ProblemReport
		if err := json.Unmarshal(in.Body, &pr); err != nil {
			t.Fatal(err)
		}
		if pr.ProblemCode != protocol.ResponseProcessingError {
			t.Fatalf("expected response_processing_error, got %s", pr.ProblemCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("p1 never received the abort problem_report")
	}
}

// TestCommitBlockStragglerMissesCommit covers boundary scenario 5: a
// participant that never receives stage-commit times out and discards its
// staged batch, so the next proposal finds it a batch behind and rejects it
// with request_processing_error instead of silently drifting.
func TestCommitBlockStragglerMissesCommit(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:straggler"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor, straggler := agents[dids[0]], agents[dids[1]]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}}}
	icfg := InitializeConfig{Datadir: actor.datadir, SelfDID: actor.did, Name: "ledger-straggler", Genesis: genesis, Participants: []string{straggler.did}, TimeoutSec: 2}
	sSched := NewScheduler(straggler.did, straggler.datadir, straggler.collaborators(resolver), nil)
	go sSched.Run(ctx, straggler.inbox)
	if _, err := InitiateLedger(ctx, actor.collaborators(resolver), icfg, actor.inbox); err != nil {
		t.Fatalf("initialize-ledger failed: %v", err)
	}

	// Run the straggler's participant instance directly against a
	// stage-propose built by hand, so the stage-commit can be dropped
	// instead of delivered.
	batch := []store.Txn{{"kind": "payment", "amount": int64(1)}}
	participants := []string{actor.did, straggler.did}
	actorLedger, err := store.Open(actor.datadir, "ledger-straggler")
	if err != nil {
		t.Fatal(err)
	}
	staged, err := actorLedger.Stage(batch...)
	if err != nil {
		t.Fatal(err)
	}
	actorSnap, err := actorLedger.CommitStaged()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := canonicaljson.Md5Hex(staged)
	if err != nil {
		t.Fatal(err)
	}
	_ = actorLedger.Close()
	if actorSnap.Size != 2 {
		t.Fatalf("expected actor size 2 after commit, got %d", actorSnap.Size)
	}

	thid := protocol.NewThid()
	propose := protocol.StagePropose{
		Type: protocol.TypeStagePropose, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid},
		StageProposeBody: protocol.StageProposeBody{Participants: participants, Transactions: batch, State: staged, Hash: hash, TimeoutSec: 1},
	}
	strInbox := make(chan transport.Inbound) // never delivers stage-commit: simulates the dropped message
	_, err = RespondToStagePropose(ctx, straggler.collaborators(resolver), ParticipantConfig{Datadir: straggler.datadir, SelfDID: straggler.did}, actor.did, propose, strInbox)
	if err == nil {
		t.Fatal("expected the straggler to time out awaiting stage-commit")
	}
	if store.ExistsOnDisk(straggler.datadir, "ledger-straggler") {
		ledger, err := store.Open(straggler.datadir, "ledger-straggler")
		if err != nil {
			t.Fatal(err)
		}
		snap, err := ledger.Snapshot()
		_ = ledger.Close()
		if err != nil {
			t.Fatal(err)
		}
		if snap.Size != 1 {
			t.Fatalf("straggler must not retain the dropped batch, got size %d", snap.Size)
		}
	}

	// The straggler's next proposal from the actor reveals the size gap
	// (3 vs 1, since the actor is now two batches ahead) and is rejected.
	secondBatch := []store.Txn{{"kind": "payment", "amount": int64(2)}}
	actorLedger2, err := store.Open(actor.datadir, "ledger-straggler")
	if err != nil {
		t.Fatal(err)
	}
	staged2, err := actorLedger2.Stage(secondBatch...)
	if err != nil {
		t.Fatal(err)
	}
	hash2, err := canonicaljson.Md5Hex(staged2)
	if err != nil {
		t.Fatal(err)
	}
	_ = actorLedger2.Close()
	thid2 := protocol.NewThid()
	propose2 := protocol.StagePropose{
		Type: protocol.TypeStagePropose, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid2},
		StageProposeBody: protocol.StageProposeBody{Participants: participants, Transactions: secondBatch, State: staged2, Hash: hash2, TimeoutSec: 1},
	}
	_, err = RespondToStagePropose(ctx, straggler.collaborators(resolver), ParticipantConfig{Datadir: straggler.datadir, SelfDID: straggler.did}, actor.did, propose2, make(chan transport.Inbound))
	if err == nil {
		t.Fatal("expected the straggler to reject a proposal that assumes it already has the dropped batch")
	}
	pr, ok := err.(protocol.ProblemReport)
	if !ok {
		t.Fatalf("expected a ProblemReport, got %T: %v", err, err)
	}
	if pr.ProblemCode != protocol.RequestProcessingError {
		t.Fatalf("expected request_processing_error, got %s", pr.ProblemCode)
	}
}

// TestSchedulerReplaysDuplicateThidAfterParticipantResponded covers boundary
// scenario 6: replaying the stage-1 initialize-request after a participant
// has already responded re-emits the stored response instead of staging (or
// resetting) anything a second time.
func TestSchedulerReplaysDuplicateThidAfterParticipantResponded(t *testing.T) {
	fabric := transport.NewInMemoryFabric()
	dids := []string{"did:example:actor", "did:example:p1"}
	agents, resolver := newTestWorld(t, dids, fabric)
	actor, p1 := agents[dids[0]], agents[dids[1]]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p1Sched := NewScheduler(p1.did, p1.datadir, p1.collaborators(resolver), nil)
	go p1Sched.Run(ctx, p1.inbox)

	// Build one initialize-request by hand (rather than running
	// InitiateLedger, which would leave "ledger-replay" on the actor's own
	// disk too and make a second delivery indistinguishable from a
	// same-name conflict instead of a literal replay).
	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}}}
	actorLedger, err := store.Open(actor.datadir, "ledger-replay")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := actorLedger.Reset(genesis)
	_ = actorLedger.Close()
	if err != nil {
		t.Fatal(err)
	}
	info := protocol.LedgerInfo{Genesis: genesis, Name: "ledger-replay", RootHash: snap.RootHash}
	lh, err := protocol.LedgerHashOf(info)
	if err != nil {
		t.Fatal(err)
	}
	actorCol := actor.collaborators(resolver)
	selfSig, err := sigenvelope.SignPayload(actorCol.Signer, actor.did, lh)
	if err != nil {
		t.Fatal(err)
	}
	thid := protocol.NewThid()
	req := protocol.InitializeRequest{
		Type: protocol.TypeInitializeRequest, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid},
		Ledger: info, LedgerHash: lh, Participants: []string{actor.did, p1.did}, Signatures: []sigenvelope.Envelope{selfSig},
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}

	// First delivery: p1 spawns a fresh instance and responds, then the
	// actor's ack lets it finish and release.
	in := transport.Inbound{From: actor.did, Thid: thid, MsgType: protocol.TypeInitializeRequest, Body: body}
	p1Sched.dispatch(ctx, in)
	select {
	case resp := <-actor.inbox:
		if resp.MsgType != protocol.TypeInitializeResponse {
			t.Fatalf("expected initialize-response, got %s", resp.MsgType)
		}
	case <-time.After(time.Second):
		t.Fatal("p1 never responded to the first delivery")
	}
	ack := protocol.Ack{Type: protocol.TypeAck, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid}, Status: "committed"}
	ackBody, err := json.Marshal(ack)
	if err != nil {
		t.Fatal(err)
	}
	if err := actorCol.Channel.Send(ctx, p1.did, thid, protocol.TypeAck, ackBody); err != nil {
		t.Fatal(err)
	}
	p1Sched.Wait()

	sizeAfterFirst, err := ledgerSize(p1.datadir, "ledger-replay")
	if err != nil {
		t.Fatal(err)
	}

	// Second delivery of the exact same initialize-request: must not spin
	// up a second instance or reset the ledger again, and must re-emit the
	// recorded initialize-response.
	p1Sched.dispatch(ctx, in)
	select {
	case resp := <-actor.inbox:
		if resp.MsgType != protocol.TypeInitializeResponse {
			t.Fatalf("expected a replayed initialize-response, got %s", resp.MsgType)
		}
	case <-time.After(time.Second):
		t.Fatal("replay of the initialize-request produced no response")
	}

	sizeAfterReplay, err := ledgerSize(p1.datadir, "ledger-replay")
	if err != nil {
		t.Fatal(err)
	}
	if sizeAfterReplay != sizeAfterFirst {
		t.Fatalf("replay must not re-stage or re-reset the ledger: size went from %d to %d", sizeAfterFirst, sizeAfterReplay)
	}
}

func ledgerSize(datadir, name string) (uint64, error) {
	ledger, err := store.Open(datadir, name)
	if err != nil {
		return 0, err
	}
	defer ledger.Close()
	snap, err := ledger.Snapshot()
	if err != nil {
		return 0, err
	}
	return snap.Size, nil
}
