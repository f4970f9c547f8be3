package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-reconciliation/internal/lock"
	"identity-reconciliation/internal/models"
	"identity-reconciliation/internal/store/memory"
)

func TestResolve_InvalidInput(t *testing.T) {
	f := newFixture(t)
	f.put(1, "a@example.com", "100", 0, at(1))

	for _, o := range []models.Observation{
		{},
		obs("", ""),
		obs("   ", "\t"),
	} {
		summary, err := f.svc.Resolve(context.Background(), o)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Nil(t, summary)
	}

	assert.Len(t, f.store.All(), 1)
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, []string{"invalid_input", "invalid_input", "invalid_input"}, f.metrics.errors)
}

func TestResolve_EmptyStoreCreatesPrimary(t *testing.T) {
	f := newFixture(t)

	summary := f.resolve(t, obs("lorraine@hillvalley.edu", "123456"))

	assert.Equal(t, &models.ClusterSummary{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{},
	}, summary)

	c := f.contact(t, 1)
	assert.True(t, c.IsPrimary())
	assert.Nil(t, c.LinkedID)
	assert.Equal(t, []models.EventType{models.EventContactCreated}, f.publisher.types())
	assert.Equal(t, []string{OutcomeCreatedPrimary}, f.metrics.outcomes)
}

func TestResolve_SingleFieldObservation(t *testing.T) {
	f := newFixture(t)

	summary := f.resolve(t, models.NewObservation(nil, strPtr("555")))

	assert.Equal(t, int64(1), summary.PrimaryContactID)
	assert.Equal(t, []string{}, summary.Emails)
	assert.Equal(t, []string{"555"}, summary.PhoneNumbers)
	assert.Nil(t, f.contact(t, 1).Email)
}

func TestResolve_Idempotent(t *testing.T) {
	f := newFixture(t)

	first := f.resolve(t, obs("doc@hillvalley.edu", "88"))
	second := f.resolve(t, obs("doc@hillvalley.edu", "88"))
	third := f.resolve(t, obs(" doc@hillvalley.edu ", "88"))

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)
	assert.Len(t, f.store.All(), 1)
	assert.Equal(t, []string{OutcomeCreatedPrimary, OutcomeMatched, OutcomeMatched}, f.metrics.outcomes)
}

func TestResolve_ClusterGrowth(t *testing.T) {
	f := newFixture(t)

	f.resolve(t, obs("lorraine@hillvalley.edu", "123456"))
	summary := f.resolve(t, obs("mcfly@hillvalley.edu", "123456"))

	assert.Equal(t, &models.ClusterSummary{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{2},
	}, summary)

	secondary := f.contact(t, 2)
	assert.Equal(t, models.PrecedenceSecondary, secondary.LinkPrecedence)
	assert.Equal(t, int64(1), *secondary.LinkedID)
	assert.Equal(t, OutcomeCreatedSecondary, f.metrics.outcomes[1])

	// Any subset of known values is a match, not a new fact.
	for _, o := range []models.Observation{
		models.NewObservation(nil, strPtr("123456")),
		models.NewObservation(strPtr("mcfly@hillvalley.edu"), nil),
		obs("lorraine@hillvalley.edu", "123456"),
	} {
		assert.Equal(t, summary, f.resolve(t, o))
	}
	assert.Len(t, f.store.All(), 2)
	requireFlattened(t, f.store)
}

func TestResolve_MergesTwoClusters(t *testing.T) {
	f := newFixture(t)
	f.put(11, "george@hillvalley.edu", "919191", 0, at(1))
	f.put(27, "biffsucks@hillvalley.edu", "717171", 0, at(2))
	f.put(30, "biff@hillvalley.edu", "717171", 27, at(3))

	summary := f.resolve(t, obs("george@hillvalley.edu", "717171"))

	assert.Equal(t, &models.ClusterSummary{
		PrimaryContactID:    11,
		Emails:              []string{"george@hillvalley.edu", "biffsucks@hillvalley.edu", "biff@hillvalley.edu"},
		PhoneNumbers:        []string{"919191", "717171"},
		SecondaryContactIDs: []int64{27, 30},
	}, summary)

	demoted := f.contact(t, 27)
	assert.Equal(t, models.PrecedenceSecondary, demoted.LinkPrecedence)
	assert.Equal(t, int64(11), *demoted.LinkedID)
	assert.Equal(t, int64(11), *f.contact(t, 30).LinkedID)

	// Both values were already known, so no contact is created.
	assert.Len(t, f.store.All(), 3)
	assert.Equal(t, []string{OutcomeMerged}, f.metrics.outcomes)
	assert.Equal(t, []int{3}, f.metrics.sizes)

	require.Len(t, f.publisher.events, 2)
	for _, e := range f.publisher.events {
		assert.Equal(t, models.EventContactRelinked, e.Type)
		assert.Equal(t, int64(11), e.PrimaryID)
	}
	assert.Nil(t, f.publisher.events[0].PreviousLink)
	assert.Equal(t, int64(27), *f.publisher.events[1].PreviousLink)
	requireFlattened(t, f.store)
}

func TestResolve_EarliestCreatedWinsRegardlessOfID(t *testing.T) {
	f := newFixture(t)
	f.put(2, "old@example.com", "1", 0, at(1))
	f.put(1, "new@example.com", "2", 0, at(5))

	summary := f.resolve(t, obs("new@example.com", "1"))

	assert.Equal(t, int64(2), summary.PrimaryContactID)
	assert.Equal(t, []string{"old@example.com", "new@example.com"}, summary.Emails)
	assert.Equal(t, []int64{1}, summary.SecondaryContactIDs)
}

func TestResolve_CreatedAtTieBrokenBySmallestID(t *testing.T) {
	f := newFixture(t)
	f.put(5, "a@example.com", "1", 0, at(1))
	f.put(3, "b@example.com", "2", 0, at(1))

	summary := f.resolve(t, obs("a@example.com", "2"))

	assert.Equal(t, int64(3), summary.PrimaryContactID)
	assert.Equal(t, []string{"b@example.com", "a@example.com"}, summary.Emails)
	assert.Equal(t, []string{"2", "1"}, summary.PhoneNumbers)
	assert.Equal(t, []int64{5}, summary.SecondaryContactIDs)
}

func TestResolve_TransitiveChain(t *testing.T) {
	queries := map[string]models.Observation{
		"email a": models.NewObservation(strPtr("a@example.com"), nil),
		"email b": models.NewObservation(strPtr("b@example.com"), nil),
		"email c": models.NewObservation(strPtr("c@example.com"), nil),
		"phone x": models.NewObservation(nil, strPtr("100")),
		"phone y": models.NewObservation(nil, strPtr("200")),
	}

	for name, o := range queries {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			// 3 points at a secondary: a chain the resolver must flatten.
			f.put(1, "a@example.com", "100", 0, at(1))
			f.put(2, "b@example.com", "100", 1, at(2))
			f.put(3, "c@example.com", "200", 2, at(3))

			summary := f.resolve(t, o)

			assert.Equal(t, int64(1), summary.PrimaryContactID)
			assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, summary.Emails)
			assert.Equal(t, []string{"100", "200"}, summary.PhoneNumbers)
			assert.Equal(t, []int64{2, 3}, summary.SecondaryContactIDs)
			assert.Equal(t, int64(1), *f.contact(t, 3).LinkedID)
			requireFlattened(t, f.store)
		})
	}
}

func TestResolve_HealsSplitOverSharedValue(t *testing.T) {
	f := newFixture(t)
	// Two primaries sharing a phone number, left behind by an unserialized race.
	f.put(1, "a@example.com", "100", 0, at(1))
	f.put(2, "b@example.com", "100", 0, at(2))

	summary := f.resolve(t, models.NewObservation(strPtr("b@example.com"), nil))

	assert.Equal(t, int64(1), summary.PrimaryContactID)
	assert.Equal(t, []int64{2}, summary.SecondaryContactIDs)
	assert.Equal(t, models.PrecedenceSecondary, f.contact(t, 2).LinkPrecedence)
	requireFlattened(t, f.store)
}

func TestResolve_NewSecondaryLinksToFinalCanonical(t *testing.T) {
	f := newFixture(t)
	f.put(1, "a@example.com", "100", 0, at(1))
	f.put(2, "b@example.com", "100", 1, at(2))
	f.put(3, "b@example.com", "200", 0, at(3))

	// Seeds are only contact 3; the cluster reaches 1 through the shared email.
	summary := f.resolve(t, obs("d@example.com", "200"))

	assert.Equal(t, int64(1), summary.PrimaryContactID)
	assert.Equal(t, []int64{2, 3, 4}, summary.SecondaryContactIDs)

	created := f.contact(t, 4)
	assert.Equal(t, models.PrecedenceSecondary, created.LinkPrecedence)
	assert.Equal(t, int64(1), *created.LinkedID)
	assert.Equal(t, int64(1), *f.contact(t, 3).LinkedID)
	assert.Equal(t, OutcomeMerged, f.metrics.outcomes[0])
	assert.Equal(t, []models.EventType{models.EventContactRelinked, models.EventContactCreated}, f.publisher.types())
	requireFlattened(t, f.store)
}

func TestResolve_SoftDeletedContactsExcluded(t *testing.T) {
	t.Run("deleted secondary", func(t *testing.T) {
		f := newFixture(t)
		f.put(1, "a@example.com", "100", 0, at(1))
		f.put(2, "b@example.com", "100", 1, at(2))
		require.NoError(t, f.store.SoftDelete(2))

		summary := f.resolve(t, models.NewObservation(nil, strPtr("100")))
		assert.Equal(t, []string{"a@example.com"}, summary.Emails)
		assert.Equal(t, []int64{}, summary.SecondaryContactIDs)

		// The deleted contact's email is unknown again, so it starts a new identity.
		summary = f.resolve(t, models.NewObservation(strPtr("b@example.com"), nil))
		assert.Equal(t, int64(3), summary.PrimaryContactID)
		assert.NotNil(t, f.contact(t, 2).DeletedAt)
	})

	t.Run("deleted primary promotes the earliest survivor", func(t *testing.T) {
		f := newFixture(t)
		f.put(1, "a@example.com", "100", 0, at(1))
		f.put(2, "b@example.com", "100", 1, at(2))
		f.put(3, "c@example.com", "100", 1, at(3))
		require.NoError(t, f.store.SoftDelete(1))

		summary := f.resolve(t, models.NewObservation(strPtr("c@example.com"), nil))

		assert.Equal(t, int64(2), summary.PrimaryContactID)
		assert.Equal(t, []string{"b@example.com", "c@example.com"}, summary.Emails)
		assert.Equal(t, []int64{3}, summary.SecondaryContactIDs)
		promoted := f.contact(t, 2)
		assert.True(t, promoted.IsPrimary())
		assert.Nil(t, promoted.LinkedID)
		assert.Equal(t, int64(2), *f.contact(t, 3).LinkedID)
		requireFlattened(t, f.store)
	})
}

func TestResolve_PublishFailureDoesNotFailResolve(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")

	summary, err := f.svc.Resolve(context.Background(), obs("a@example.com", "1"))

	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.PrimaryContactID)
}

// failingInsertStore rejects every insert.
type failingInsertStore struct {
	*memory.Store
}

func (s failingInsertStore) Insert(context.Context, models.NewContact) (models.Contact, error) {
	return models.Contact{}, errors.New("disk full")
}

func TestResolve_FailedInsertRollsBackDemotion(t *testing.T) {
	st := memory.New()
	metrics := &recordingMetrics{}
	pub := &recordingPublisher{}
	svc := NewReconciliationService(failingInsertStore{st}, st,
		WithLogger(discardLogger()), WithMetrics(metrics), WithPublisher(pub))

	st.Put(models.Contact{ID: 1, Email: strPtr("a@example.com"), PhoneNumber: strPtr("100"), LinkPrecedence: models.PrecedencePrimary, CreatedAt: at(1)})
	st.Put(models.Contact{ID: 2, Email: strPtr("b@example.com"), PhoneNumber: strPtr("100"), LinkPrecedence: models.PrecedenceSecondary, LinkedID: idPtr(1), CreatedAt: at(2)})
	st.Put(models.Contact{ID: 3, Email: strPtr("b@example.com"), PhoneNumber: strPtr("200"), LinkPrecedence: models.PrecedencePrimary, CreatedAt: at(3)})

	// Demotes 3, then fails to record the new email.
	summary, err := svc.Resolve(context.Background(), obs("d@example.com", "200"))

	require.Error(t, err)
	assert.Nil(t, summary)
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert secondary", se.Op)

	c3, _ := st.Get(3)
	assert.True(t, c3.IsPrimary(), "demotion must roll back with the failed insert")
	assert.Nil(t, c3.LinkedID)
	assert.Len(t, st.All(), 3)
	assert.Empty(t, pub.events)
	assert.Empty(t, metrics.outcomes)
	assert.Equal(t, []string{"store"}, metrics.errors)
}

func TestResolve_ConcurrentOverlappingObservationsConverge(t *testing.T) {
	st := memory.New()
	svc := NewReconciliationService(st, st, WithLocker(lock.NewLocal(0)), WithLogger(discardLogger()))

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers*3)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := context.Background()
			observations := []models.Observation{
				obs(fmt.Sprintf("user%d@example.com", i), "shared-phone"),
				obs(fmt.Sprintf("user%d@example.com", i), fmt.Sprintf("phone-%d", i)),
				obs("shared@example.com", fmt.Sprintf("phone-%d", i)),
			}
			for _, o := range observations {
				if _, err := svc.Resolve(ctx, o); err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	requireFlattened(t, st)

	// Everything is one cluster, whichever value is queried.
	first, err := svc.Resolve(context.Background(), models.NewObservation(nil, strPtr("shared-phone")))
	require.NoError(t, err)
	for i := 0; i < workers; i++ {
		s, err := svc.Resolve(context.Background(), models.NewObservation(nil, strPtr(fmt.Sprintf("phone-%d", i))))
		require.NoError(t, err)
		assert.Equal(t, first.PrimaryContactID, s.PrimaryContactID)
	}
	assert.Len(t, first.SecondaryContactIDs, len(st.All())-1)
}

func TestIdentify_WrapsSummary(t *testing.T) {
	f := newFixture(t)
	phone := models.PhoneValue("12345")

	resp, err := f.svc.Identify(context.Background(), models.IdentifyRequest{PhoneNumber: &phone})

	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Equal(t, []string{"12345"}, resp.Contact.PhoneNumbers)
}
