package codec

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/domain/schema"
)

var (
	accountKey = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	ownerKey   = solana.MustPublicKeyFromBase58("WormT3McKhFJ2RkiGpdw9GKvNCrB2aB54gb2uV9MfQC")
	fixedNow   = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
)

func sampleAccount() schema.AccountUpdate {
	return schema.AccountUpdate{
		Pubkey:       accountKey,
		Owner:        ownerKey,
		Lamports:     1_461_600,
		Data:         []byte{0x01, 0x02, 0xff},
		Executable:   false,
		RentEpoch:    361,
		Slot:         250_000_123,
		WriteVersion: 987_654_321,
		IsStartup:    true,
	}
}

func newEncoder(t *testing.T, format Format) *Encoder {
	t.Helper()
	enc, err := New(format, "accounts", "slots", WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return enc
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	f, err = ParseFormat(" MsgPack ")
	require.NoError(t, err)
	require.Equal(t, FormatMsgpack, f)

	_, err = ParseFormat("protobuf")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestEncodeAccountIsDeterministic(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			enc := newEncoder(t, format)
			first, err := enc.EncodeAccount(sampleAccount())
			require.NoError(t, err)
			second, err := enc.EncodeAccount(sampleAccount())
			require.NoError(t, err)
			require.True(t, bytes.Equal(first.Payload, second.Payload))
			require.Equal(t, first.PartitionKey, second.PartitionKey)
		})
	}
}

func TestAccountPartitionKeyIsPubkey(t *testing.T) {
	enc := newEncoder(t, FormatJSON)
	a := sampleAccount()
	b := sampleAccount()
	b.Lamports = 1
	b.Owner = accountKey
	b.Slot++

	ma, err := enc.EncodeAccount(a)
	require.NoError(t, err)
	mb, err := enc.EncodeAccount(b)
	require.NoError(t, err)
	require.Equal(t, ma.PartitionKey, mb.PartitionKey)
	require.Equal(t, accountKey.Bytes(), ma.PartitionKey)
	require.NotEqual(t, ma.Payload, mb.Payload)
}

func TestPartitionKeyIsNotAliasedToEvent(t *testing.T) {
	enc := newEncoder(t, FormatJSON)
	update := sampleAccount()
	msg, err := enc.EncodeAccount(update)
	require.NoError(t, err)
	msg.PartitionKey[0] ^= 0xff
	require.Equal(t, accountKey, update.Pubkey)
}

func TestEncodeAccountJSONShape(t *testing.T) {
	enc := newEncoder(t, FormatJSON)
	msg, err := enc.EncodeAccount(sampleAccount())
	require.NoError(t, err)

	require.Equal(t, "accounts", msg.Topic)
	require.Equal(t, fixedNow, msg.EnqueuedAt)
	require.Equal(t,
		`{"schema":"geyser.account_update.v1","pubkey":"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",`+
			`"owner":"WormT3McKhFJ2RkiGpdw9GKvNCrB2aB54gb2uV9MfQC","lamports":1461600,"data":"AQL/",`+
			`"executable":false,"rent_epoch":361,"slot":250000123,"write_version":987654321,"is_startup":true}`,
		string(msg.Payload))
}

func TestEncodeAccountRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			enc := newEncoder(t, format)
			msg, err := enc.EncodeAccount(sampleAccount())
			require.NoError(t, err)

			record, err := DecodeAccount(format, msg.Payload)
			require.NoError(t, err)
			require.Equal(t, SchemaAccountUpdate, record.Schema)
			require.Equal(t, accountKey.String(), record.Pubkey)
			require.Equal(t, ownerKey.String(), record.Owner)
			require.Equal(t, []byte{0x01, 0x02, 0xff}, record.Data)
			require.True(t, record.IsStartup)
			require.Equal(t, uint64(987_654_321), record.WriteVersion)
		})
	}
}

func TestEncodeAccountNilDataEncodesEmpty(t *testing.T) {
	enc := newEncoder(t, FormatJSON)
	update := sampleAccount()
	update.Data = nil
	msg, err := enc.EncodeAccount(update)
	require.NoError(t, err)
	require.Contains(t, string(msg.Payload), `"data":""`)
}

func TestEncodeSlot(t *testing.T) {
	enc := newEncoder(t, FormatJSON)
	parent := uint64(99)
	msg, err := enc.EncodeSlot(schema.SlotStatusUpdate{Slot: 100, ParentSlot: &parent, Status: schema.SlotConfirmed})
	require.NoError(t, err)
	require.Equal(t, "slots", msg.Topic)
	require.Equal(t, `{"schema":"geyser.slot_status.v1","slot":100,"parent_slot":99,"status":"confirmed"}`, string(msg.Payload))
	require.Equal(t, uint64(100), binary.BigEndian.Uint64(msg.PartitionKey))

	msg, err = enc.EncodeSlot(schema.SlotStatusUpdate{Slot: 101, Status: schema.SlotRooted})
	require.NoError(t, err)
	require.Equal(t, `{"schema":"geyser.slot_status.v1","slot":101,"parent_slot":null,"status":"rooted"}`, string(msg.Payload))
}

func TestEncodeSlotMsgpackRoundTrip(t *testing.T) {
	enc := newEncoder(t, FormatMsgpack)
	parent := uint64(7)
	msg, err := enc.EncodeSlot(schema.SlotStatusUpdate{Slot: 8, ParentSlot: &parent, Status: schema.SlotDead})
	require.NoError(t, err)

	record, err := DecodeSlot(FormatMsgpack, msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint64(8), record.Slot)
	require.NotNil(t, record.ParentSlot)
	require.Equal(t, uint64(7), *record.ParentSlot)
	require.Equal(t, "dead", record.Status)
}

func TestEncodeSlotRejectsUnknownStatus(t *testing.T) {
	enc := newEncoder(t, FormatJSON)
	_, err := enc.EncodeSlot(schema.SlotStatusUpdate{Slot: 1, Status: "finalized-ish"})
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeEncode))
}

func TestDisabledTopicsRefuseToEncode(t *testing.T) {
	enc, err := New(FormatJSON, "", "")
	require.NoError(t, err)

	_, err = enc.EncodeAccount(sampleAccount())
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
	_, err = enc.EncodeSlot(schema.SlotStatusUpdate{Slot: 1, Status: schema.SlotProcessed})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}

func TestDecodeRejectsForeignSchema(t *testing.T) {
	_, err := DecodeAccount(FormatJSON, []byte(`{"schema":"geyser.slot_status.v1"}`))
	require.True(t, errs.HasCode(err, errs.CodeDecode))

	_, err = DecodeSlot(FormatJSON, []byte(`not json`))
	require.True(t, errs.HasCode(err, errs.CodeDecode))
}

func TestSlotKeyOrdering(t *testing.T) {
	require.Len(t, SlotKey(1), 8)
	require.Negative(t, bytes.Compare(SlotKey(255), SlotKey(256)))
	require.True(t, strings.HasPrefix(string(SlotKey(1<<56)), "\x01"))
}
