package sourcedir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiral-network/transfer-core/pkg/transfer"
)

func TestMemoryDirectory_LookupReturnsAnnouncedSources(t *testing.T) {
	dir := NewMemoryDirectory()
	sources := []transfer.Source{{SourceID: "s1", Kind: transfer.SourceHTTP, Address: "http://a"}}
	dir.Announce("content-1", sources)

	got, err := dir.Lookup("content-1")
	require.NoError(t, err)
	assert.Equal(t, sources, got)
}

func TestMemoryDirectory_LookupUnknownReturnsEmpty(t *testing.T) {
	dir := NewMemoryDirectory()
	got, err := dir.Lookup("nonexistent")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryDirectory_WatchNotifiedOnAnnounce(t *testing.T) {
	dir := NewMemoryDirectory()
	received := make(chan []transfer.Source, 1)
	unwatch := dir.Watch("content-1", func(s []transfer.Source) { received <- s })
	defer unwatch()

	sources := []transfer.Source{{SourceID: "s1", Kind: transfer.SourceFTP}}
	dir.Announce("content-1", sources)

	select {
	case got := <-received:
		assert.Equal(t, sources, got)
	default:
		t.Fatal("watcher was not notified")
	}
}

func TestFakePaymentOracle_SubmitAndConfirm(t *testing.T) {
	oracle := NewFakePaymentOracle()
	oracle.SetBalance("addr1", 5.0)

	bal, err := oracle.GetBalance("addr1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, bal)

	tx, err := oracle.Submit([]byte("signed"))
	require.NoError(t, err)
	confirmed, err := oracle.WaitConfirmation(tx, 1)
	require.NoError(t, err)
	assert.True(t, confirmed)
}

func TestFakeHealthSignal_RecordsVerdicts(t *testing.T) {
	sink := NewFakeHealthSignal()
	sink.Record(ReputationVerdict{SourceID: "s1", Success: true})
	sink.Record(ReputationVerdict{SourceID: "s2", Success: false, Reason: "verification"})

	got := sink.Snapshot()
	require.Len(t, got, 2)
	assert.True(t, got[0].Success)
	assert.False(t, got[1].Success)
}
