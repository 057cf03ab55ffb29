// Package codec serialises domain events into broker messages.
package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/domain/schema"
)

const component = "codec"

// Schema identifiers embedded in every payload.
const (
	SchemaAccountUpdate = "geyser.account_update.v1"
	SchemaSlotStatus    = "geyser.slot_status.v1"
)

// Format selects the payload serialisation.
type Format string

const (
	// FormatJSON encodes payloads as JSON objects.
	FormatJSON Format = "json"
	// FormatMsgpack encodes payloads as MessagePack maps.
	FormatMsgpack Format = "msgpack"
)

// ParseFormat resolves a configured format name; empty selects JSON.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMsgpack:
		return FormatMsgpack, nil
	default:
		return "", errs.New(component, errs.CodeInvalid,
			errs.WithMessage("unsupported encoding"), errs.WithField("encoding", raw))
	}
}

// AccountRecord is the wire shape of an account update.
type AccountRecord struct {
	Schema       string `json:"schema" msgpack:"schema"`
	Pubkey       string `json:"pubkey" msgpack:"pubkey"`
	Owner        string `json:"owner" msgpack:"owner"`
	Lamports     uint64 `json:"lamports" msgpack:"lamports"`
	Data         []byte `json:"data" msgpack:"data"`
	Executable   bool   `json:"executable" msgpack:"executable"`
	RentEpoch    uint64 `json:"rent_epoch" msgpack:"rent_epoch"`
	Slot         uint64 `json:"slot" msgpack:"slot"`
	WriteVersion uint64 `json:"write_version" msgpack:"write_version"`
	IsStartup    bool   `json:"is_startup" msgpack:"is_startup"`
}

// SlotRecord is the wire shape of a slot status update.
type SlotRecord struct {
	Schema     string  `json:"schema" msgpack:"schema"`
	Slot       uint64  `json:"slot" msgpack:"slot"`
	ParentSlot *uint64 `json:"parent_slot" msgpack:"parent_slot"`
	Status     string  `json:"status" msgpack:"status"`
}

// Encoder turns events into outbound messages. It holds no mutable state and is safe for concurrent use.
type Encoder struct {
	format       Format
	accountTopic string
	slotTopic    string
	now          func() time.Time
}

// Option customises an Encoder.
type Option func(*Encoder)

// WithClock overrides the enqueue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an encoder. Either topic may be empty when that stream is disabled.
func New(format Format, accountTopic, slotTopic string, opts ...Option) (*Encoder, error) {
	if format == "" {
		format = FormatJSON
	}
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	e := &Encoder{
		format:       format,
		accountTopic: accountTopic,
		slotTopic:    slotTopic,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Format returns the configured payload format.
func (e *Encoder) Format() Format {
	return e.format
}

// EncodeAccount serialises an account update keyed by its pubkey.
func (e *Encoder) EncodeAccount(update schema.AccountUpdate) (schema.OutboundMessage, error) {
	if e.accountTopic == "" {
		return schema.OutboundMessage{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("account topic not configured"))
	}
	record := AccountRecord{
		Schema:       SchemaAccountUpdate,
		Pubkey:       update.Pubkey.String(),
		Owner:        update.Owner.String(),
		Lamports:     update.Lamports,
		Data:         update.Data,
		Executable:   update.Executable,
		RentEpoch:    update.RentEpoch,
		Slot:         update.Slot,
		WriteVersion: update.WriteVersion,
		IsStartup:    update.IsStartup,
	}
	if record.Data == nil {
		record.Data = []byte{}
	}
	payload, err := e.marshal(record)
	if err != nil {
		return schema.OutboundMessage{}, err
	}
	key := make([]byte, len(update.Pubkey))
	copy(key, update.Pubkey[:])
	return schema.OutboundMessage{
		Topic:        e.accountTopic,
		PartitionKey: key,
		Payload:      payload,
		EnqueuedAt:   e.now(),
	}, nil
}

// EncodeSlot serialises a slot status update keyed by the big-endian slot number.
func (e *Encoder) EncodeSlot(update schema.SlotStatusUpdate) (schema.OutboundMessage, error) {
	if e.slotTopic == "" {
		return schema.OutboundMessage{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("slot status topic not configured"))
	}
	if err := update.Status.Validate(); err != nil {
		return schema.OutboundMessage{}, errs.New(component, errs.CodeEncode,
			errs.WithMessage("encode slot status"), errs.WithCause(err))
	}
	record := SlotRecord{
		Schema:     SchemaSlotStatus,
		Slot:       update.Slot,
		ParentSlot: update.ParentSlot,
		Status:     string(update.Status),
	}
	payload, err := e.marshal(record)
	if err != nil {
		return schema.OutboundMessage{}, err
	}
	return schema.OutboundMessage{
		Topic:        e.slotTopic,
		PartitionKey: SlotKey(update.Slot),
		Payload:      payload,
		EnqueuedAt:   e.now(),
	}, nil
}

// SlotKey returns the partition key used for slot status messages.
func SlotKey(slot uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), slot)
}

func (e *Encoder) marshal(v any) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch e.format {
	case FormatMsgpack:
		out, err = msgpack.Marshal(v)
	default:
		out, err = json.Marshal(v)
	}
	if err != nil {
		return nil, errs.New(component, errs.CodeEncode,
			errs.WithMessage(fmt.Sprintf("marshal %s payload", e.format)), errs.WithCause(err))
	}
	return out, nil
}

// DecodeAccount parses an account payload produced by EncodeAccount.
func DecodeAccount(format Format, payload []byte) (AccountRecord, error) {
	var record AccountRecord
	if err := unmarshal(format, payload, &record); err != nil {
		return AccountRecord{}, err
	}
	if record.Schema != SchemaAccountUpdate {
		return AccountRecord{}, errs.New(component, errs.CodeDecode,
			errs.WithMessage("unexpected schema"), errs.WithField("schema", record.Schema))
	}
	return record, nil
}

// DecodeSlot parses a slot payload produced by EncodeSlot.
func DecodeSlot(format Format, payload []byte) (SlotRecord, error) {
	var record SlotRecord
	if err := unmarshal(format, payload, &record); err != nil {
		return SlotRecord{}, err
	}
	if record.Schema != SchemaSlotStatus {
		return SlotRecord{}, errs.New(component, errs.CodeDecode,
			errs.WithMessage("unexpected schema"), errs.WithField("schema", record.Schema))
	}
	return record, nil
}

func unmarshal(format Format, payload []byte, v any) error {
	var err error
	switch format {
	case FormatMsgpack:
		err = msgpack.Unmarshal(payload, v)
	default:
		err = json.Unmarshal(payload, v)
	}
	if err != nil {
		return errs.New(component, errs.CodeDecode,
			errs.WithMessage(fmt.Sprintf("unmarshal %s payload", format)), errs.WithCause(err))
	}
	return nil
}
