package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"microledger.dev/consensus/protocol"
	"microledger.dev/consensus/sigenvelope"
	"microledger.dev/consensus/store"
	"microledger.dev/consensus/transport"
)

// InitializeConfig is the actor's input to the initialize-ledger protocol.
type InitializeConfig struct {
	Datadir      string
	SelfDID      string
	Name         string
	Genesis      []store.Txn
	Participants []string // other signer DIDs, not including SelfDID
	TimeoutSec   int64
}

// InitiateLedger drives the actor side of the 3-step initialize-ledger
// protocol to completion: creates the local ledger with genesisTxns, asks
// every participant to witness it, and acknowledges once all have signed.
// inbox must deliver only messages for the thid this call mints.
func InitiateLedger(ctx context.Context, col Collaborators, cfg InitializeConfig, inbox <-chan transport.Inbound) (store.Snapshot, error) {
	if store.ExistsOnDisk(cfg.Datadir, cfg.Name) {
		return store.Snapshot{}, fmt.Errorf("consensus: ledger %q already exists locally", cfg.Name)
	}

	ledger, err := store.Open(cfg.Datadir, cfg.Name)
	if err != nil {
		return store.Snapshot{}, err
	}
	snap, err := ledger.Reset(cfg.Genesis)
	if err != nil {
		_ = ledger.Close()
		_ = store.Delete(cfg.Datadir, cfg.Name)
		return store.Snapshot{}, err
	}

	info := protocol.LedgerInfo{Genesis: cfg.Genesis, Name: cfg.Name, RootHash: snap.RootHash}
	lh, err := protocol.LedgerHashOf(info)
	if err != nil {
		return abortInitialize(ledger, cfg, col, "", err)
	}
	selfSig, err := sigenvelope.SignPayload(col.Signer, cfg.SelfDID, lh)
	if err != nil {
		return abortInitialize(ledger, cfg, col, "", err)
	}

	thid := protocol.NewThid()
	req := protocol.InitializeRequest{
		Type:         protocol.TypeInitializeRequest,
		ID:           protocol.NewMessageID(),
		Thread:       protocol.Thread{Thid: thid},
		Ledger:       info,
		LedgerHash:   lh,
		Participants: append([]string{cfg.SelfDID}, cfg.Participants...),
		Signatures:   []sigenvelope.Envelope{selfSig},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return abortInitialize(ledger, cfg, col, thid, err)
	}
	for _, p := range cfg.Participants {
		if err := col.Channel.Send(ctx, p, thid, protocol.TypeInitializeRequest, body); err != nil {
			return abortInitialize(ledger, cfg, col, thid, err)
		}
	}

	until := deadline(col, cfg.TimeoutSec)
	sigs := []sigenvelope.Envelope{selfSig}
	responded := map[string]bool{}
	for len(responded) < len(cfg.Participants) {
		remaining := time.Until(until)
		if remaining <= 0 {
			return abortInitialize(ledger, cfg, col, thid, fmt.Errorf("consensus: timed out awaiting initialize-response"))
		}
		select {
		case <-ctx.Done():
			return abortInitialize(ledger, cfg, col, thid, ctx.Err())
		case <-time.After(remaining):
			return abortInitialize(ledger, cfg, col, thid, fmt.Errorf("consensus: timed out awaiting initialize-response"))
		case in := <-inbox:
			switch in.MsgType {
			case protocol.TypeInitializeResponse:
				var resp protocol.InitializeResponse
				if err := json.Unmarshal(in.Body, &resp); err != nil {
					return abortInitialize(ledger, cfg, col, thid, err)
				}
				env, ok := envelopeFor(resp.Signatures, in.From)
				if !ok {
					return abortInitialize(ledger, cfg, col, thid, fmt.Errorf("consensus: %s did not sign its initialize-response", in.From))
				}
				res, err := sigenvelope.Verify(col.Resolver, env, in.From, lh, sigenvelope.DefaultMaxSkewSec)
				if err != nil || !res.OK {
					return abortInitialize(ledger, cfg, col, thid, fmt.Errorf("consensus: invalid signature from %s", in.From))
				}
				responded[in.From] = true
				sigs = append(sigs, env)
			case protocol.TypeProblemReport:
				var pr protocol.ProblemReport
				_ = json.Unmarshal(in.Body, &pr)
				return abortInitialize(ledger, cfg, col, thid, pr)
			}
		}
	}

	ack := protocol.Ack{Type: protocol.TypeAck, ID: protocol.NewMessageID(), Thread: protocol.Thread{Thid: thid}, Status: "committed"}
	ackBody, err := json.Marshal(ack)
	if err != nil {
		return abortInitialize(ledger, cfg, col, thid, err)
	}
	for _, p := range cfg.Participants {
		_ = col.Channel.Send(ctx, p, thid, protocol.TypeAck, ackBody)
	}
	_ = ledger.Close()
	return snap, nil
}

func abortInitialize(ledger *store.Ledger, cfg InitializeConfig, col Collaborators, thid string, cause error) (store.Snapshot, error) {
	_ = ledger.Close()
	_ = store.Delete(cfg.Datadir, cfg.Name)
	if thid != "" {
		pr := protocol.NewProblemReport(protocol.NewMessageID(), thid, protocol.ResponseNotAccepted, cause.Error())
		body, _ := json.Marshal(pr)
		for _, p := range cfg.Participants {
			_ = col.Channel.Send(context.Background(), p, thid, protocol.TypeProblemReport, body)
		}
	}
	return store.Snapshot{}, fmt.Errorf("consensus: initialize-ledger aborted: %w", cause)
}

func envelopeFor(sigs []sigenvelope.Envelope, did string) (sigenvelope.Envelope, bool) {
	// Signatures are appended in participation order; the signer DID is not
	// carried alongside the envelope, so resolving it is delegated to the
	// caller's knowledge of who last spoke. Here the only candidate is the
	// most recently appended entry.
	if len(sigs) == 0 {
		return sigenvelope.Envelope{}, false
	}
	return sigs[len(sigs)-1], true
}

// ParticipantInitializeConfig is a participant's input to the
// initialize-ledger protocol.
type ParticipantInitializeConfig struct {
	Datadir string
	SelfDID string
}

// RespondToInitializeRequest drives the participant side: validates the
// proposed genesis, installs it locally, witnesses it with a signature, and
// waits for the actor's ack (or abort) before considering the ledger
// committed. inbox must deliver only messages for req's thid.
func RespondToInitializeRequest(ctx context.Context, col Collaborators, cfg ParticipantInitializeConfig, actorDID string, req protocol.InitializeRequest, inbox <-chan transport.Inbound) (store.Snapshot, error) {
	thid := req.Thread.Thid
	reject := func(code protocol.ProblemCode, explain string) (store.Snapshot, error) {
		pr := protocol.NewProblemReport(protocol.NewMessageID(), thid, code, explain)
		body, _ := json.Marshal(pr)
		_ = col.Channel.Send(ctx, actorDID, thid, protocol.TypeProblemReport, body)
		return store.Snapshot{}, pr
	}

	if store.ExistsOnDisk(cfg.Datadir, req.Ledger.Name) {
		return reject(protocol.RequestNotAccepted, fmt.Sprintf("ledger %q already exists locally", req.Ledger.Name))
	}
	if !contains(req.Participants, cfg.SelfDID) {
		return reject(protocol.RequestNotAccepted, "self not listed among participants")
	}
	wantHash, err := protocol.LedgerHashOf(req.Ledger)
	if err != nil || wantHash.Base58 != req.LedgerHash.Base58 {
		return reject(protocol.RequestNotAccepted, "ledger~hash does not match the proposed genesis")
	}
	actorEnv, ok := envelopeFor(req.Signatures, actorDID)
	if !ok {
		return reject(protocol.RequestNotAccepted, "missing actor signature")
	}
	res, err := sigenvelope.Verify(col.Resolver, actorEnv, actorDID, req.LedgerHash, sigenvelope.DefaultMaxSkewSec)
	if err != nil || !res.OK {
		return reject(protocol.RequestNotAccepted, "actor signature does not verify")
	}

	ledger, err := store.Open(cfg.Datadir, req.Ledger.Name)
	if err != nil {
		return reject(protocol.RequestProcessingError, err.Error())
	}
	snap, err := ledger.Reset(req.Ledger.Genesis)
	if err != nil || snap.RootHash != req.Ledger.RootHash {
		_ = ledger.Close()
		_ = store.Delete(cfg.Datadir, req.Ledger.Name)
		return reject(protocol.RequestNotAccepted, "locally computed genesis root does not match the proposal")
	}

	selfSig, err := sigenvelope.SignPayload(col.Signer, cfg.SelfDID, req.LedgerHash)
	if err != nil {
		_ = ledger.Close()
		_ = store.Delete(cfg.Datadir, req.Ledger.Name)
		return reject(protocol.RequestProcessingError, err.Error())
	}
	resp := protocol.InitializeResponse{
		Type:       protocol.TypeInitializeResponse,
		ID:         protocol.NewMessageID(),
		Thread:     protocol.Thread{Thid: thid},
		Signatures: append(append([]sigenvelope.Envelope(nil), req.Signatures...), selfSig),
	}
	body, err := json.Marshal(resp)
	if err != nil {
		_ = ledger.Close()
		_ = store.Delete(cfg.Datadir, req.Ledger.Name)
		return store.Snapshot{}, err
	}
	if err := col.Channel.Send(ctx, actorDID, thid, protocol.TypeInitializeResponse, body); err != nil {
		_ = ledger.Close()
		_ = store.Delete(cfg.Datadir, req.Ledger.Name)
		return store.Snapshot{}, err
	}

	until := deadline(col, DefaultTimeoutSec)
	select {
	case <-ctx.Done():
		_ = ledger.Close()
		_ = store.Delete(cfg.Datadir, req.Ledger.Name)
		return store.Snapshot{}, ctx.Err()
	case <-time.After(time.Until(until)):
		_ = ledger.Close()
		_ = store.Delete(cfg.Datadir, req.Ledger.Name)
		return store.Snapshot{}, fmt.Errorf("consensus: timed out awaiting ack for %s", thid)
	case in := <-inbox:
		_ = ledger.Close()
		if in.MsgType == protocol.TypeAck {
			return snap, nil
		}
		_ = store.Delete(cfg.Datadir, req.Ledger.Name)
		var pr protocol.ProblemReport
		_ = json.Unmarshal(in.Body, &pr)
		return store.Snapshot{}, pr
	}
}

func contains(xs []string, x string) bool {
	for _, s := range xs {
		if s == x {
			return true
		}
	}
	return false
}
