package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meta-node-blockchain/meta-bba/pkg/protocolid"
)

func TestDecisionJournal(t *testing.T) {
	j := NewDecisionJournal(NewMemoryDb())
	id := protocolid.AgreementId{Era: 4, ValidatorSlot: 2}

	_, found, err := j.Lookup(id)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, j.Record(id, Decision{Value: true, Epoch: 6}))
	require.NoError(t, j.Record(id, Decision{Value: true, Epoch: 8}), "same value is accepted")
	assert.ErrorIs(t, j.Record(id, Decision{Value: false, Epoch: 2}), ErrConflictingDecision)

	d, found, err := j.Lookup(id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Decision{Value: true, Epoch: 6}, d)

	_, found, err = j.Lookup(protocolid.AgreementId{Era: 4, ValidatorSlot: 3})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDecisionJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	id := protocolid.AgreementId{Era: 1, ValidatorSlot: 0}

	s, err := Open(STORAGE_TYPE_BOLT_DB, path)
	require.NoError(t, err)
	j := NewDecisionJournal(s)
	require.NoError(t, j.Record(id, Decision{Value: false, Epoch: 4}))
	require.NoError(t, j.Close())

	s, err = Open(STORAGE_TYPE_BOLT_DB, path)
	require.NoError(t, err)
	j = NewDecisionJournal(s)
	defer j.Close()
	d, found, err := j.Lookup(id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, Decision{Value: false, Epoch: 4}, d)
}

func TestDecisionJournalRejectsPaddedEntry(t *testing.T) {
	db := NewMemoryDb()
	j := NewDecisionJournal(db)
	id := protocolid.AgreementId{Era: 2, ValidatorSlot: 1}
	require.NoError(t, j.Record(id, Decision{Value: true, Epoch: 2}))

	stored, err := db.Get(decisionKey(id))
	require.NoError(t, err)
	require.NoError(t, db.Put(decisionKey(id), append(append([]byte(nil), stored...), 0xff)))

	_, _, err = j.Lookup(id)
	assert.Error(t, err)
}
