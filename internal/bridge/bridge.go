// Package bridge feeds a newline-delimited JSON event stream into the plugin callbacks.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/domain/schema"
	"github.com/coachpo/geyserpub/internal/observability"
	"github.com/coachpo/geyserpub/internal/plugin"
)

const component = "bridge"

// MaxLineBytes bounds a single event line. Account data is capped at 10 MiB on chain and is
// base64 encoded on the wire.
const MaxLineBytes = 16 << 20

// Host receives decoded events.
type Host interface {
	OnAccountUpdate(ctx context.Context, update schema.AccountUpdate) plugin.Disposition
	OnSlotStatus(ctx context.Context, update schema.SlotStatusUpdate) plugin.Disposition
}

// Summary counts what a run consumed.
type Summary struct {
	Lines        int
	Accounts     int
	Slots        int
	Malformed    int
	Dispositions map[plugin.Disposition]int
}

type event struct {
	Type string `json:"type"`

	Pubkey       string `json:"pubkey"`
	Owner        string `json:"owner"`
	Lamports     uint64 `json:"lamports"`
	Data         []byte `json:"data"`
	Executable   bool   `json:"executable"`
	RentEpoch    uint64 `json:"rent_epoch"`
	WriteVersion uint64 `json:"write_version"`
	IsStartup    bool   `json:"is_startup"`

	Slot       uint64  `json:"slot"`
	ParentSlot *uint64 `json:"parent_slot"`
	Status     string  `json:"status"`
}

// Run reads events until EOF or ctx is cancelled. Malformed lines are logged and skipped;
// only read errors end the run early.
func Run(ctx context.Context, r io.Reader, host Host, logger observability.Logger) (Summary, error) {
	if logger == nil {
		logger = observability.Log()
	}
	summary := Summary{Dispositions: make(map[plugin.Disposition]int)}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), MaxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return summary, nil
		}
		summary.Lines++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		var disposition plugin.Disposition
		switch evt, err := decodeLine(raw); {
		case err != nil:
			summary.Malformed++
			logger.Warn("skipping malformed event line",
				observability.F("line", summary.Lines),
				observability.F("error", err))
			continue
		case evt.account != nil:
			summary.Accounts++
			disposition = host.OnAccountUpdate(ctx, *evt.account)
		default:
			summary.Slots++
			disposition = host.OnSlotStatus(ctx, *evt.slot)
		}
		summary.Dispositions[disposition]++
	}
	if err := scanner.Err(); err != nil {
		return summary, errs.New(component, errs.CodeDecode,
			errs.WithMessage("read event stream"),
			errs.WithField("line", strconv.Itoa(summary.Lines+1)),
			errs.WithCause(err))
	}
	return summary, nil
}

type decoded struct {
	account *schema.AccountUpdate
	slot    *schema.SlotStatusUpdate
}

func decodeLine(raw []byte) (decoded, error) {
	var evt event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return decoded{}, errs.New(component, errs.CodeDecode, errs.WithMessage("invalid json"), errs.WithCause(err))
	}
	switch evt.Type {
	case "account":
		update, err := evt.accountUpdate()
		if err != nil {
			return decoded{}, err
		}
		return decoded{account: &update}, nil
	case "slot":
		status, err := schema.ParseSlotStatus(evt.Status)
		if err != nil {
			return decoded{}, err
		}
		return decoded{slot: &schema.SlotStatusUpdate{Slot: evt.Slot, ParentSlot: evt.ParentSlot, Status: status}}, nil
	default:
		return decoded{}, errs.New(component, errs.CodeDecode,
			errs.WithMessage("unknown event type"), errs.WithField("type", evt.Type))
	}
}

func (e event) accountUpdate() (schema.AccountUpdate, error) {
	pubkey, err := schema.ParseProgramID(e.Pubkey)
	if err != nil {
		return schema.AccountUpdate{}, err
	}
	owner, err := schema.ParseProgramID(e.Owner)
	if err != nil {
		return schema.AccountUpdate{}, err
	}
	return schema.AccountUpdate{
		Pubkey:       pubkey,
		Owner:        owner,
		Lamports:     e.Lamports,
		Data:         e.Data,
		Executable:   e.Executable,
		RentEpoch:    e.RentEpoch,
		Slot:         e.Slot,
		WriteVersion: e.WriteVersion,
		IsStartup:    e.IsStartup,
	}, nil
}
