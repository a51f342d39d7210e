// Command consensus-agent is a demo driver for the Simple Consensus
// engine: it mints a local keyring for N participants, wires them together
// over an in-process transport, and runs the initialize-ledger and
// accept-block protocols to completion, printing the resulting snapshots.
// It also exposes the wallet keystore lifecycle as standalone subcommands.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"microledger.dev/consensus/consensus"
	"microledger.dev/consensus/didkey"
	"microledger.dev/consensus/sigenvelope"
	"microledger.dev/consensus/store"
	"microledger.dev/consensus/transport"
	"microledger.dev/consensus/wallet"
)

var app *cli.App

func init() {
	app = &cli.App{
		Name:  "consensus-agent",
		Usage: "run and inspect Simple Consensus microledgers",
		Commands: []*cli.Command{
			commandDemo,
			{
				Name:  "keymgr",
				Usage: "local wallet keystore lifecycle",
				Subcommands: []*cli.Command{
					commandKeymgrGenerate,
					commandKeymgrExportWrapped,
					commandKeymgrImportWrapped,
					commandKeymgrVerifyPubkey,
				},
			},
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var commandDemo = &cli.Command{
	Name:  "demo",
	Usage: "run a local multi-party initialize-ledger + accept-block round",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "participants", Usage: "number of participants besides the actor", Value: 2},
		&cli.StringFlag{Name: "ledger", Usage: "ledger name", Value: "demo-ledger"},
		&cli.IntFlag{Name: "timeout-sec", Usage: "per-stage timeout", Value: 5},
		&cli.StringFlag{Name: "datadir", Usage: "base directory for every simulated agent's store"},
	},
	Action: func(c *cli.Context) error {
		datadir := c.String("datadir")
		if datadir == "" {
			var err error
			datadir, err = os.MkdirTemp("", "consensus-agent-demo-")
			if err != nil {
				return err
			}
		}
		return runDemo(context.Background(), datadir, c.String("ledger"), c.Int("participants"), int64(c.Int("timeout-sec")))
	},
}

type demoPeer struct {
	did     string
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	datadir string
	channel transport.Channel
	inbox   <-chan transport.Inbound
}

func runDemo(ctx context.Context, datadir, ledgerName string, nParticipants int, timeoutSec int64) error {
	fabric := transport.NewInMemoryFabric()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	verkeys := make(map[string]ed25519.PublicKey)
	peers := make([]*demoPeer, 0, nParticipants+1)
	for i := 0; i <= nParticipants; i++ {
		did, pub, priv, err := wallet.GenerateKey()
		if err != nil {
			return err
		}
		p := &demoPeer{
			did:     did,
			pub:     pub,
			priv:    priv,
			datadir: fmt.Sprintf("%s/%s", datadir, did),
			channel: fabric.ChannelFor(did),
			inbox:   fabric.Register(did),
		}
		peers = append(peers, p)
		verkeys[did] = pub
	}
	resolver := didkey.NewStaticTable(verkeys)
	actor := peers[0]
	others := peers[1:]

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec*4)*time.Second)
	defer cancel()

	for _, p := range others {
		sched := consensus.NewScheduler(p.did, p.datadir, collaboratorsFor(p, resolver), logger)
		go sched.Run(runCtx, p.inbox)
	}

	participantDIDs := make([]string, len(others))
	for i, p := range others {
		participantDIDs[i] = p.did
	}

	genesis := []store.Txn{{"txnMetadata": map[string]interface{}{"seqNo": int64(1)}, "kind": "genesis"}}
	icfg := consensus.InitializeConfig{
		Datadir: actor.datadir, SelfDID: actor.did, Name: ledgerName,
		Genesis: genesis, Participants: participantDIDs, TimeoutSec: timeoutSec,
	}
	snap, err := consensus.InitiateLedger(runCtx, collaboratorsFor(actor, resolver), icfg, actor.inbox)
	if err != nil {
		return fmt.Errorf("initialize-ledger: %w", err)
	}
	printJSON("initialize-ledger", snap)

	ccfg := consensus.CommitConfig{
		Datadir: actor.datadir, SelfDID: actor.did, Name: ledgerName,
		Transactions: []store.Txn{{"kind": "demo-entry"}},
		Participants: participantDIDs, TimeoutSec: timeoutSec,
	}
	res, err := consensus.CommitBlock(runCtx, collaboratorsFor(actor, resolver), ccfg, actor.inbox)
	if err != nil {
		return fmt.Errorf("accept-block: %w", err)
	}
	printJSON("accept-block", res.Snapshot)
	fmt.Printf("quorum certificate entries: %d/%d\n", len(res.Quorum), len(others))
	return nil
}

func collaboratorsFor(p *demoPeer, resolver didkey.Resolver) consensus.Collaborators {
	return consensus.Collaborators{
		Signer:   sigenvelope.NewEd25519Signer(map[string]ed25519.PrivateKey{p.did: p.priv}),
		Resolver: resolver,
		Channel:  p.channel,
	}
}

func printJSON(label string, v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(label, "<encode error>", err)
		return
	}
	fmt.Printf("%s:\n%s\n", label, b)
}

var commandKeymgrGenerate = &cli.Command{
	Name:  "generate",
	Usage: "generate a new Ed25519 DID keypair and export it wrapped",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "out", Required: true, Usage: "output keystore json path"},
		&cli.StringFlag{Name: "passphrase", Required: true},
	},
	Action: func(c *cli.Context) error {
		did, _, priv, err := wallet.GenerateKey()
		if err != nil {
			return err
		}
		if err := wallet.ExportWrapped(c.String("out"), priv, c.String("passphrase")); err != nil {
			return err
		}
		fmt.Println(did)
		return nil
	},
}

var commandKeymgrExportWrapped = &cli.Command{
	Name:  "export-wrapped",
	Usage: "re-wrap an existing keystore under a new passphrase",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "in", Required: true},
		&cli.StringFlag{Name: "in-passphrase", Required: true},
		&cli.StringFlag{Name: "out", Required: true},
		&cli.StringFlag{Name: "out-passphrase", Required: true},
	},
	Action: func(c *cli.Context) error {
		_, priv, err := wallet.ImportWrapped(c.String("in"), c.String("in-passphrase"))
		if err != nil {
			return err
		}
		return wallet.ExportWrapped(c.String("out"), priv, c.String("out-passphrase"))
	},
}

var commandKeymgrImportWrapped = &cli.Command{
	Name:  "import-wrapped",
	Usage: "unwrap a keystore and print its DID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "in", Required: true},
		&cli.StringFlag{Name: "passphrase", Required: true},
	},
	Action: func(c *cli.Context) error {
		did, _, err := wallet.ImportWrapped(c.String("in"), c.String("passphrase"))
		if err != nil {
			return err
		}
		fmt.Println(did)
		return nil
	},
}

var commandKeymgrVerifyPubkey = &cli.Command{
	Name:  "verify-pubkey",
	Usage: "check a keystore's recorded verkey is self-consistent with its DID",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "in", Required: true},
	},
	Action: func(c *cli.Context) error {
		did, verkey, err := wallet.VerifyPubkey(c.String("in"))
		if err != nil {
			return err
		}
		fmt.Printf("did=%s verkey=%s\n", did, verkey)
		return nil
	},
}
