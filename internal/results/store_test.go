package results

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *GormSink {
	t.Helper()

	store, err := OpenStore(StoreConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRejectsUnknownDriver(t *testing.T) {
	_, err := OpenStore(StoreConfig{Driver: "oracle"})
	require.Error(t, err)
}

func TestStorePersistsTestResultsIdempotently(t *testing.T) {
	store := openTestStore(t)

	rec := TestResult{
		TestID:      "test-1",
		IdentityID:  "user-1",
		Username:    "speedster",
		Mode:        "time",
		Limit:       15,
		WPM:         48,
		RawWPM:      48,
		Accuracy:    100,
		CompletedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, store.Record(context.Background(), rec))
	require.NoError(t, store.Record(context.Background(), rec))

	var count int64
	require.NoError(t, store.db.Model(&TestResultRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestStorePersistsRaceResultsPerPlayer(t *testing.T) {
	store := openTestStore(t)

	for i, user := range []string{"user-1", "user-2"} {
		rec := RaceResult{
			RaceID:      "race-1",
			IdentityID:  user,
			Mode:        "words",
			Rank:        i + 1,
			WPM:         90 - i,
			Accuracy:    98,
			Finished:    true,
			CompletedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		}
		require.NoError(t, store.Record(context.Background(), rec))
	}

	var count int64
	require.NoError(t, store.db.Model(&RaceResultRecord{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestStoreRejectsUnknownRecordType(t *testing.T) {
	store := openTestStore(t)

	err := store.Record(context.Background(), fakeRecord{})
	require.Error(t, err)
}

type fakeRecord struct{}

func (fakeRecord) Key() SessionKey { return SessionKey{} }
