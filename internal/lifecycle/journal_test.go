package lifecycle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cipherperp/cipherperp/internal/domain"
)

var journalTrader = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestJournalCreateStartsIdle(t *testing.T) {
	j := NewJournal()

	req := j.create(domain.RequestKindOpen, journalTrader, 0)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, domain.StateIdle, req.State)
	assert.Equal(t, journalTrader, req.Trader)

	got, err := j.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
}

func TestJournalAdvanceRecordsTransitions(t *testing.T) {
	j := NewJournal()
	req := j.create(domain.RequestKindOpen, journalTrader, 0)

	for _, s := range []domain.RequestState{
		domain.StateValidating,
		domain.StateEncrypting,
		domain.StateAwaitingSignature,
		domain.StateBroadcast,
		domain.StateConfirming,
		domain.StateSucceeded,
	} {
		_, err := j.advance(req.ID, s, "")
		require.NoError(t, err)
	}

	got, err := j.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
	require.Len(t, got.Transitions, 6)
	assert.Equal(t, domain.StateIdle, got.Transitions[0].From)
	assert.Equal(t, domain.StateConfirming, got.Transitions[5].From)
}

func TestJournalTerminalStatesRefuseAdvance(t *testing.T) {
	j := NewJournal()

	for _, terminal := range []domain.RequestState{
		domain.StateSucceeded,
		domain.StateReverted,
		domain.StateRejected,
	} {
		req := j.create(domain.RequestKindOpen, journalTrader, 0)
		_, err := j.advance(req.ID, terminal, "")
		require.NoError(t, err)

		_, err = j.advance(req.ID, domain.StateValidating, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "from %s", terminal)
	}
}

func TestJournalTimedOutAllowsReconciliation(t *testing.T) {
	j := NewJournal()
	req := j.create(domain.RequestKindOpen, journalTrader, 0)

	_, err := j.advance(req.ID, domain.StateTimedOut, domain.ReasonTimeout)
	require.NoError(t, err)

	// A late receipt may still move the request to a settled state.
	got, err := j.advance(req.ID, domain.StateSucceeded, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSucceeded, got.State)
}

func TestJournalAdvanceUnknownID(t *testing.T) {
	j := NewJournal()
	_, err := j.advance("missing", domain.StateValidating, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJournalAbandonOnlyFromTimedOut(t *testing.T) {
	j := NewJournal()
	req := j.create(domain.RequestKindClose, journalTrader, 3)

	err := j.Abandon(req.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = j.advance(req.ID, domain.StateTimedOut, domain.ReasonTimeout)
	require.NoError(t, err)

	require.NoError(t, j.Abandon(req.ID))

	got, err := j.Get(req.ID)
	require.NoError(t, err)
	assert.True(t, got.Abandoned)

	// Abandoned requests stay visible to reconciliation.
	timedOut := j.timedOut()
	require.Len(t, timedOut, 1)
	assert.Equal(t, req.ID, timedOut[0].ID)
}

func TestJournalListCreationOrder(t *testing.T) {
	j := NewJournal()
	a := j.create(domain.RequestKindOpen, journalTrader, 0)
	b := j.create(domain.RequestKindClose, journalTrader, 1)

	list := j.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
}

func TestJournalSnapshotsAreIsolated(t *testing.T) {
	j := NewJournal()
	req := j.create(domain.RequestKindOpen, journalTrader, 0)
	_, err := j.advance(req.ID, domain.StateValidating, "")
	require.NoError(t, err)

	snap, err := j.Get(req.ID)
	require.NoError(t, err)
	snap.Transitions[0].To = domain.StateReverted

	fresh, err := j.Get(req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateValidating, fresh.Transitions[0].To)
}
