package radius

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"layeh.com/radius"
	"layeh.com/radius/rfc2866"

	"github.com/codelaboratoryltd/radacct/pkg/acct"
)

var secret = []byte("testing-secret")

func TestDecodeStopWithGigawords(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := &acct.Event{
		SessionID:       "sess-0001",
		Username:        "alice@example.net",
		NASIdentifier:   "nas-01",
		NASPort:         7,
		StatusType:      acct.StatusStop,
		Timestamp:       ts,
		InputOctets:     500,
		InputGigawords:  2,
		OutputOctets:    9000,
		OutputGigawords: 0,
		TerminateCause:  acct.TerminateCauseIdleTimeout,
	}

	p, err := EncodeRequest(in, secret)
	require.NoError(t, err)

	got, err := DecodeEvent(p)
	require.NoError(t, err)

	assert.Equal(t, "sess-0001", got.SessionID)
	assert.Equal(t, "alice@example.net", got.Username)
	assert.Equal(t, "nas-01", got.NASIdentifier)
	assert.Equal(t, uint32(7), got.NASPort)
	assert.Equal(t, acct.StatusStop, got.StatusType)
	assert.Equal(t, acct.TerminateCauseIdleTimeout, got.TerminateCause)
	assert.True(t, got.Timestamp.Equal(ts))

	// The 64-bit totals survive the 32-bit wire counters.
	assert.Equal(t, uint64(2)<<32|500, got.InputBytes())
	assert.Equal(t, uint64(9000), got.OutputBytes())
}

func TestDecodeStartWithPool(t *testing.T) {
	in := &acct.Event{
		SessionID:     "sess-0002",
		Username:      "bob@example.net",
		NASIdentifier: "nas-02",
		StatusType:    acct.StatusStart,
		Timestamp:     time.Now(),
		FramedPool:    "residential",
	}

	p, err := EncodeRequest(in, secret)
	require.NoError(t, err)

	got, err := DecodeEvent(p)
	require.NoError(t, err)
	assert.Equal(t, acct.StatusStart, got.StatusType)
	assert.Equal(t, "residential", got.FramedPool)
	assert.Zero(t, got.InputOctets, "Start carries no counters")
}

func TestDecodeTimestampFallback(t *testing.T) {
	p := radius.New(radius.CodeAccountingRequest, secret)
	require.NoError(t, rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_Start))
	rfc2866.AcctSessionID_SetString(p, "sess-0003")

	before := time.Now()
	got, err := DecodeEvent(p)
	require.NoError(t, err)
	assert.False(t, got.Timestamp.Before(before), "missing Event-Timestamp falls back to receipt time")
}

func TestDecodeRejectsNonAccountingPacket(t *testing.T) {
	p := radius.New(radius.CodeAccessRequest, secret)
	_, err := DecodeEvent(p)
	assert.Error(t, err)
}
