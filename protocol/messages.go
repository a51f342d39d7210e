// Package protocol defines the six Simple Consensus wire messages plus the
// problem-report, and their thread-id correlation. The package does not
// validate message contents; the consensus state machines that consume the
// messages do. Messages are a sum type discriminated on @type; common
// fields are shared through composition (Thread), never inheritance.
package protocol

import (
	"fmt"

	"microledger.dev/consensus/sigenvelope"
	"microledger.dev/consensus/store"
)

// BaseURI is the protocol URI every @type is rooted under.
const BaseURI = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/simple-consensus/1.0/"

// Message type discriminators.
const (
	TypeInitializeRequest  = BaseURI + "initialize-request"
	TypeInitializeResponse = BaseURI + "initialize-response"
	TypeStagePropose       = BaseURI + "stage-propose"
	TypeStagePreCommit     = BaseURI + "stage-pre-commit"
	TypeStageCommit        = BaseURI + "stage-commit"
	TypeStagePostCommit    = BaseURI + "stage-post-commit"
	TypeProblemReport      = BaseURI + "problem_report"
	TypeAck                = BaseURI + "ack"
)

// Thread correlates every message of one protocol run across peers
// ("Every message carries ~thread.thid").
type Thread struct {
	Thid string `json:"thid"`
}

// LedgerHash is the base58-encoded hash decorator exchanged during
// initialize-ledger ("ledger~hash.base58").
type LedgerHash struct {
	Base58 string `json:"base58"`
}

// LedgerInfo is the genesis payload carried by an initialize-request.
type LedgerInfo struct {
	Genesis  []store.Txn `json:"genesis"`
	Name     string      `json:"name"`
	RootHash string      `json:"root_hash"`
}

// InitializeRequest is step 1 of the initialize-ledger protocol.
type InitializeRequest struct {
	Type         string                 `json:"@type"`
	ID           string                 `json:"@id"`
	Thread       Thread                 `json:"~thread"`
	Ledger       LedgerInfo             `json:"ledger"`
	LedgerHash   LedgerHash             `json:"ledger~hash"`
	Participants []string               `json:"participants"`
	Signatures   []sigenvelope.Envelope `json:"signatures"`
}

// InitializeResponse is a participant's step-2 reply, carrying the
// cumulative signature list.
type InitializeResponse struct {
	Type       string                 `json:"@type"`
	ID         string                 `json:"@id"`
	Thread     Thread                 `json:"~thread"`
	Signatures []sigenvelope.Envelope `json:"signatures"`
}

// Ack is the actor's step-3 commit acknowledgement
// (~please_ack/acks@v1 style).
type Ack struct {
	Type   string `json:"@type"`
	ID     string `json:"@id"`
	Thread Thread `json:"~thread"`
	Status string `json:"status"`
}

// StagePropose is stage 1 of accept-block.
type StageProposeBody struct {
	Participants []string      `json:"participants"`
	Transactions []store.Txn   `json:"transactions"`
	State        store.Snapshot `json:"state"`
	Hash         string        `json:"hash"`
	TimeoutSec   int64         `json:"timeout_sec"`
}

type StagePropose struct {
	Type   string `json:"@type"`
	ID     string `json:"@id"`
	Thread Thread `json:"~thread"`
	StageProposeBody
}

// StagePreCommit is stage 2: each participant's witness signature over its
// own recomputed hash.
type StagePreCommit struct {
	Type    string               `json:"@type"`
	ID      string               `json:"@id"`
	Thread  Thread               `json:"~thread"`
	Hash    string               `json:"hash"`
	HashSig sigenvelope.Envelope `json:"hash~sig"`
}

// StageCommitBody is the payload the actor's and each participant's
// stage-commit signature covers; it is signed and re-signed as a whole, so
// it is kept separate from the envelope's own Type/ID/outer signature.
type StageCommitBody struct {
	Participants []string                  `json:"participants"`
	PreCommits   map[string]StagePreCommit `json:"pre_commits"`
	Thread       Thread                    `json:"~thread"`
}

type StageCommit struct {
	Type      string               `json:"@type"`
	ID        string               `json:"@id"`
	Thread    Thread               `json:"~thread"`
	Body      StageCommitBody      `json:"body"`
	ActorSig  sigenvelope.Envelope `json:"commit~sig"`
}

// StagePostCommit is stage 4: a participant's signature over the
// StageCommitBody it received, forming one entry of the quorum
// certificate.
type StagePostCommit struct {
	Type     string               `json:"@type"`
	ID       string               `json:"@id"`
	Thread   Thread               `json:"~thread"`
	CommitSig sigenvelope.Envelope `json:"commit~sig"`
}

// ProblemCode is the stable, externally visible abort-reason taxonomy.
type ProblemCode string

const (
	RequestNotAccepted     ProblemCode = "request_not_accepted"
	RequestProcessingError ProblemCode = "request_processing_error"
	ResponseNotAccepted    ProblemCode = "response_not_accepted"
	ResponseProcessingError ProblemCode = "response_processing_error"
)

// ProblemReport is the uniform abort signal.
type ProblemReport struct {
	Type        string      `json:"@type"`
	ID          string      `json:"@id"`
	Thread      Thread      `json:"~thread"`
	ProblemCode ProblemCode `json:"problem-code"`
	Explain     string      `json:"explain"`
}

func (p ProblemReport) Error() string {
	return fmt.Sprintf("%s: %s", p.ProblemCode, p.Explain)
}

// NewProblemReport builds a problem report for thid with the given code and
// human-readable explanation.
func NewProblemReport(id, thid string, code ProblemCode, explain string) ProblemReport {
	return ProblemReport{
		Type:        TypeProblemReport,
		ID:          id,
		Thread:      Thread{Thid: thid},
		ProblemCode: code,
		Explain:     explain,
	}
}
