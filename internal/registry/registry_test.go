package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/provider-dispatch/internal/models"
)

func newRequest(id string) models.ServiceRequest {
	return models.ServiceRequest{
		ID:                id,
		CustomerID:        "c1",
		State:             models.RequestSearching,
		SearchRadiusMiles: 5,
		MaxRadiusMiles:    25,
		CreatedAt:         time.Now(),
	}
}

func TestTransitionRequestIsWriteOnceTerminal(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))

	require.True(t, r.TransitionRequest("req-1", models.RequestSearching, models.RequestMatched, nil))
	assert.False(t, r.TransitionRequest("req-1", models.RequestSearching, models.RequestCancelled, nil))
	assert.False(t, r.TransitionRequest("req-1", models.RequestMatched, models.RequestCancelled, nil),
		"terminal state must never change, even with matching from")

	req, ok := r.GetRequest("req-1")
	require.True(t, ok)
	assert.Equal(t, models.RequestMatched, req.State)
}

func TestTransitionRequestConcurrentExactlyOneWinner(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan models.RequestState, n)
	terminals := []models.RequestState{models.RequestMatched, models.RequestCancelled, models.RequestExpired}
	for i := 0; i < n; i++ {
		to := terminals[i%len(terminals)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TransitionRequest("req-1", models.RequestSearching, to, nil) {
				wins <- to
			}
		}()
	}
	wg.Wait()
	close(wins)

	var won []models.RequestState
	for w := range wins {
		won = append(won, w)
	}
	require.Len(t, won, 1, "exactly one terminal transition must win")
	req, _ := r.GetRequest("req-1")
	assert.Equal(t, won[0], req.State)
}

func TestExpandRadiusMonotonicAndBounded(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))

	prev := 5.0
	for i := 0; i < 10; i++ {
		radius, _ := r.ExpandRadius("req-1", 5)
		require.GreaterOrEqual(t, radius, prev)
		require.LessOrEqual(t, radius, 25.0)
		prev = radius
	}
	req, _ := r.GetRequest("req-1")
	assert.Equal(t, 25.0, req.SearchRadiusMiles)

	_, grew := r.ExpandRadius("req-1", 5)
	assert.False(t, grew, "radius is clamped at max")
}

func TestExpandRadiusRefusedOnResolvedRequest(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))
	require.True(t, r.TransitionRequest("req-1", models.RequestSearching, models.RequestCancelled, nil))
	_, grew := r.ExpandRadius("req-1", 5)
	assert.False(t, grew)
}

func TestExclusionSetOnlyGrows(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))
	r.Exclude("req-1", "p1")
	r.Exclude("req-1", "p2")
	r.Exclude("req-1", "p1")

	set := r.ExcludedSet("req-1")
	assert.Len(t, set, 2)

	req, _ := r.GetRequest("req-1")
	assert.Equal(t, []string{"p1", "p2"}, req.ExcludedProviderIDs)
}

func TestPutOfferRefusesDuplicatePendingPerProvider(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))

	o1 := models.Offer{ID: "o1", RequestID: "req-1", ProviderID: "p1", State: models.OfferPending}
	require.True(t, r.PutOffer(o1))
	assert.False(t, r.PutOffer(models.Offer{ID: "o2", RequestID: "req-1", ProviderID: "p1", State: models.OfferPending}))

	// once the first offer resolves, the provider may be offered again
	_, ok := r.TransitionOffer("o1", models.OfferExpired)
	require.True(t, ok)
	assert.True(t, r.PutOffer(models.Offer{ID: "o3", RequestID: "req-1", ProviderID: "p1", State: models.OfferPending}))
}

func TestTransitionOfferCAS(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))
	require.True(t, r.PutOffer(models.Offer{ID: "o1", RequestID: "req-1", ProviderID: "p1", State: models.OfferPending}))

	snap, ok := r.TransitionOffer("o1", models.OfferAccepted)
	require.True(t, ok)
	assert.Equal(t, models.OfferAccepted, snap.State)
	assert.NotNil(t, snap.RespondedAt)

	_, ok = r.TransitionOffer("o1", models.OfferExpired)
	assert.False(t, ok, "terminal offers never transition again")
}

func TestOffersAreAppendOnly(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))
	require.True(t, r.PutOffer(models.Offer{ID: "o1", RequestID: "req-1", ProviderID: "p1", State: models.OfferPending}))
	_, _ = r.TransitionOffer("o1", models.OfferRejected)
	require.True(t, r.PutOffer(models.Offer{ID: "o2", RequestID: "req-1", ProviderID: "p2", State: models.OfferPending}))

	all := r.OffersForRequest("req-1")
	require.Len(t, all, 2, "resolved offers remain on record")
	assert.Equal(t, models.OfferRejected, all[0].State)

	pending := r.PendingOffers("req-1")
	require.Len(t, pending, 1)
	assert.Equal(t, "o2", pending[0].ID)
}

func TestRequestUpdatesPublishedOnTransition(t *testing.T) {
	r := New()
	r.CreateRequest(newRequest("req-1"))

	updates, cancel := r.RequestUpdates.Subscribe("req-1")
	defer cancel()

	require.True(t, r.TransitionRequest("req-1", models.RequestSearching, models.RequestMatched, func(req *models.ServiceRequest) {
		req.MatchedProviderID = "p1"
	}))

	select {
	case u := <-updates:
		assert.Equal(t, models.RequestMatched, u.State)
		assert.Equal(t, "p1", u.MatchedProviderID)
	case <-time.After(time.Second):
		t.Fatal("no update published")
	}
}
