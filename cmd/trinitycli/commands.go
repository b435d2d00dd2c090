package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/trinity-network/trinity/channeldb"
	"github.com/trinity-network/trinity/trwire"
	"github.com/urfave/cli"
)

func printJSON(w io.Writer, resp interface{}) error {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

type pendingHTLC struct {
	HashLock      string `json:"hash_lock"`
	Amount        uint64 `json:"amount"`
	TimeoutHeight uint32 `json:"timeout_height"`
	FounderPays   bool   `json:"founder_pays"`
}

type channel struct {
	ChannelID      string        `json:"channel_id"`
	Founder        string        `json:"founder"`
	Partner        string        `json:"partner"`
	Asset          string        `json:"asset"`
	State          string        `json:"state"`
	FounderDeposit uint64        `json:"founder_deposit"`
	PartnerDeposit uint64        `json:"partner_deposit"`
	FounderBalance uint64        `json:"founder_balance"`
	PartnerBalance uint64        `json:"partner_balance"`
	Alive          uint32        `json:"alive"`
	PendingHTLCs   []pendingHTLC `json:"pending_htlcs"`
}

func newChannel(c *channeldb.Channel) channel {
	resp := channel{
		ChannelID:      c.ID.String(),
		Founder:        c.Founder.String(),
		Partner:        c.Partner.String(),
		Asset:          c.Asset,
		State:          c.State.String(),
		FounderDeposit: uint64(c.FounderDeposit),
		PartnerDeposit: uint64(c.PartnerDeposit),
		FounderBalance: uint64(c.FounderBalance),
		PartnerBalance: uint64(c.PartnerBalance),
		Alive:          c.Alive,
		PendingHTLCs:   []pendingHTLC{},
	}
	for _, h := range c.PendingHTLCs {
		resp.PendingHTLCs = append(resp.PendingHTLCs, pendingHTLC{
			HashLock:      h.HashLock.String(),
			Amount:        uint64(h.Amount),
			TimeoutHeight: h.TimeoutHeight,
			FounderPays:   h.FounderPays,
		})
	}

	return resp
}

var listChannelsCommand = cli.Command{
	Name:     "listchannels",
	Category: "Channels",
	Usage:    "List all channels of the wallet.",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "state",
			Usage: "only list channels in this state, e.g. OPEN",
		},
	},
	Action: listChannels,
}

func listChannels(ctx *cli.Context) error {
	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	channels, err := db.FetchAllChannels()
	if err != nil {
		return err
	}

	resp := struct {
		Channels []channel `json:"channels"`
	}{Channels: []channel{}}
	for _, c := range channels {
		state := ctx.String("state")
		if state != "" && c.State.String() != state {
			continue
		}
		resp.Channels = append(resp.Channels, newChannel(c))
	}

	return printJSON(ctx.App.Writer, resp)
}

func parseChanID(ctx *cli.Context) (trwire.ChannelID, error) {
	var raw string
	switch {
	case ctx.IsSet("chan_id"):
		raw = ctx.String("chan_id")
	case ctx.Args().Present():
		raw = ctx.Args().First()
	default:
		return trwire.ChannelID{}, fmt.Errorf("chan_id argument missing")
	}

	return trwire.NewChannelIDFromStr(raw)
}

var chanIDFlag = cli.StringFlag{
	Name:  "chan_id",
	Usage: "the hex encoded id of the channel",
}

var getChannelCommand = cli.Command{
	Name:      "getchannel",
	Category:  "Channels",
	Usage:     "Show a single channel.",
	ArgsUsage: "chan_id",
	Flags:     []cli.Flag{chanIDFlag},
	Action:    getChannel,
}

func getChannel(ctx *cli.Context) error {
	id, err := parseChanID(ctx)
	if err != nil {
		return err
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	c, err := db.FetchChannel(id)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, newChannel(c))
}

type signedTx struct {
	Kind       string `json:"kind"`
	TxID       string `json:"txid"`
	RawData    string `json:"raw_data"`
	Witness    string `json:"witness"`
	TimeLock   uint32 `json:"time_lock"`
	FounderSig string `json:"founder_sig"`
	PartnerSig string `json:"partner_sig"`
}

type txRecord struct {
	Nonce          uint64     `json:"nonce"`
	Type           string     `json:"type"`
	State          string     `json:"state"`
	Role           string     `json:"role"`
	IsFounder      bool       `json:"is_founder"`
	FounderBalance uint64     `json:"founder_balance"`
	PartnerBalance uint64     `json:"partner_balance"`
	MonitorTxID    string     `json:"monitor_txid"`
	HashLock       string     `json:"hash_lock,omitempty"`
	Bundle         []signedTx `json:"bundle"`
}

func newTxRecord(r *channeldb.TxRecord) txRecord {
	resp := txRecord{
		Nonce:          r.Nonce,
		Type:           r.Type.String(),
		State:          r.State.String(),
		Role:           r.Role.String(),
		IsFounder:      r.IsFounder,
		FounderBalance: uint64(r.FounderBalance),
		PartnerBalance: uint64(r.PartnerBalance),
		MonitorTxID:    r.MonitorTxID.String(),
		Bundle:         []signedTx{},
	}
	r.HTLC.WhenSome(func(info channeldb.HTLCInfo) {
		resp.HashLock = info.HashLock.String()
	})
	for _, tx := range r.Bundle {
		resp.Bundle = append(resp.Bundle, signedTx{
			Kind:       tx.Kind.String(),
			TxID:       tx.Template.TxID.String(),
			RawData:    hex.EncodeToString(tx.Template.RawData),
			Witness:    tx.Template.Witness,
			TimeLock:   tx.Template.TimeLock,
			FounderSig: hex.EncodeToString(tx.FounderSig),
			PartnerSig: hex.EncodeToString(tx.PartnerSig),
		})
	}

	return resp
}

var listTxsCommand = cli.Command{
	Name:      "listtxs",
	Category:  "Channels",
	Usage:     "List the nonce chain of a channel.",
	ArgsUsage: "chan_id",
	Flags: []cli.Flag{
		chanIDFlag,
		cli.BoolFlag{
			Name:  "latest",
			Usage: "only show the latest record",
		},
	},
	Action: listTxs,
}

func listTxs(ctx *cli.Context) error {
	id, err := parseChanID(ctx)
	if err != nil {
		return err
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	var records []*channeldb.TxRecord
	if ctx.Bool("latest") {
		rec, err := db.LatestTx(id)
		if err != nil {
			return err
		}
		records = append(records, rec)
	} else {
		records, err = db.FetchTxs(id)
		if err != nil {
			return err
		}
	}

	resp := struct {
		Records []txRecord `json:"records"`
	}{Records: []txRecord{}}
	for _, rec := range records {
		resp.Records = append(resp.Records, newTxRecord(rec))
	}

	return printJSON(ctx.App.Writer, resp)
}

var blockHeightCommand = cli.Command{
	Name:      "blockheight",
	Category:  "Chain",
	Usage:     "Show the last chain height recorded for a wallet.",
	ArgsUsage: "uri",
	Action:    blockHeight,
}

func blockHeight(ctx *cli.Context) error {
	if !ctx.Args().Present() {
		return fmt.Errorf("uri argument missing")
	}
	uri := trwire.Endpoint(ctx.Args().First())
	if err := uri.Validate(); err != nil {
		return err
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	height, err := db.FetchBlockHeight(uri)
	if err != nil {
		return err
	}

	return printJSON(ctx.App.Writer, struct {
		URI    string `json:"uri"`
		Height uint32 `json:"height"`
	}{uri.String(), height})
}

type blockEvent struct {
	TargetHeight   uint32 `json:"target_height"`
	Nonce          uint64 `json:"nonce"`
	Type           string `json:"type"`
	ObservedHeight uint32 `json:"observed_height"`
	ObservedTxID   string `json:"observed_txid"`
	Remedied       bool   `json:"remedied"`
}

var listEventsCommand = cli.Command{
	Name:      "listevents",
	Category:  "Chain",
	Usage:     "List the block events scheduled for a channel.",
	ArgsUsage: "chan_id",
	Flags:     []cli.Flag{chanIDFlag},
	Action:    listEvents,
}

func listEvents(ctx *cli.Context) error {
	id, err := parseChanID(ctx)
	if err != nil {
		return err
	}

	db, cleanUp, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	events, err := db.ChannelBlockEvents(id)
	if err != nil {
		return err
	}

	resp := struct {
		Events []blockEvent `json:"events"`
	}{Events: []blockEvent{}}
	for _, ev := range events {
		resp.Events = append(resp.Events, blockEvent{
			TargetHeight:   ev.TargetHeight,
			Nonce:          ev.Nonce,
			Type:           ev.Type.String(),
			ObservedHeight: ev.ObservedHeight,
			ObservedTxID:   ev.ObservedTxID.String(),
			Remedied:       ev.Remedied,
		})
	}

	return printJSON(ctx.App.Writer, resp)
}
