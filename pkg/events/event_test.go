package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/crypto"
)

func testActor() Actor {
	return Actor{Type: ActorSystem, ID: "system"}
}

func TestNew_FirstEvent(t *testing.T) {
	at := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)
	e, err := New(StreamID("job", "j_1"), "CREATED", testActor(), map[string]any{"tier": "standard"}, nil, at)
	require.NoError(t, err)

	assert.Equal(t, 1, e.V)
	assert.Equal(t, "job:j_1", e.StreamID)
	assert.Equal(t, "CREATED", e.Type)
	assert.Equal(t, "2026-02-10T09:30:00Z", e.At)
	assert.Nil(t, e.PrevChainHash)
	assert.Len(t, e.PayloadHash, 64)
	assert.Len(t, e.ChainHash, 64)
	assert.JSONEq(t, `{"tier":"standard"}`, string(e.Payload))

	// Chain hash must recompute from the stored fields
	assert.Equal(t, ComputeChainHash(nil, e.PayloadHash, e.ID, e.At, e.Type), e.ChainHash)
}

func TestNew_LinksToPrev(t *testing.T) {
	at := time.Now()
	first, err := New("job:j_2", "CREATED", testActor(), map[string]any{}, nil, at)
	require.NoError(t, err)

	second, err := New("job:j_2", "QUOTED", testActor(), map[string]any{"amountCents": 5000}, &first.ChainHash, at.Add(time.Minute))
	require.NoError(t, err)

	require.NotNil(t, second.PrevChainHash)
	assert.Equal(t, first.ChainHash, *second.PrevChainHash)
	assert.NotEqual(t, first.ChainHash, second.ChainHash)
}

func TestNew_PayloadCanonicalized(t *testing.T) {
	at := time.Now()
	e1, err := NewFromRaw("job:j_3", "CREATED", testActor(), []byte(`{"b":2,"a":1}`), nil, at)
	require.NoError(t, err)
	e2, err := NewFromRaw("job:j_3", "CREATED", testActor(), []byte(`{"a":1,"b":2}`), nil, at)
	require.NoError(t, err)

	assert.Equal(t, e1.PayloadHash, e2.PayloadHash)
	assert.Equal(t, string(e1.Payload), string(e2.Payload))
}

func TestNew_RejectsBadPayload(t *testing.T) {
	_, err := NewFromRaw("job:j_4", "CREATED", testActor(), []byte(`{"a":`), nil, time.Now())
	assert.Error(t, err)
}

func TestSignWith(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("sk_test")
	require.NoError(t, err)

	e, err := New("robot:r_1", "ROBOT_REGISTERED", Actor{Type: ActorRobot, ID: "r_1"}, map[string]any{}, nil, time.Now())
	require.NoError(t, err)
	require.NoError(t, e.SignWith(signer))

	assert.Equal(t, "sk_test", e.SignerKeyID)
	valid, err := crypto.Verify(signer.PublicKey(), e.Signature, []byte(e.ChainHash))
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestFormatTime_IsUTCWholeSeconds(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	at := time.Date(2026, 2, 10, 10, 30, 0, 999_000_000, loc)
	assert.Equal(t, "2026-02-10T09:30:00Z", FormatTime(at))
}

func TestParseTime_RejectsNonUTC(t *testing.T) {
	_, err := ParseTime("2026-02-10T09:30:00+01:00")
	assert.Error(t, err)

	ts, err := ParseTime("2026-02-10T09:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())
}

func TestSplitStreamID(t *testing.T) {
	typ, id := SplitStreamID("month:2026-02:accrual")
	assert.Equal(t, "month", typ)
	assert.Equal(t, "2026-02:accrual", id)
}
