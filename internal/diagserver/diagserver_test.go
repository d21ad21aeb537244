package diagserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	b := NewBus()
	a := b.Subscribe()
	c := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	ev, err := NewSnapshotEvent("snapshot.triggered", "c1", map[string]int{"x": 1})
	require.NoError(t, err)
	b.Publish(ev)

	got1 := <-a
	got2 := <-c
	assert.Equal(t, ev.ID, got1.ID)
	assert.Equal(t, ev.ID, got2.ID)
}

func TestBus_PublishDropsForAFullSubscriberRatherThanBlocking(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()

	ev, err := NewSnapshotEvent("snapshot.triggered", "c1", nil)
	require.NoError(t, err)
	for i := 0; i < cap(sub)+5; i++ {
		b.Publish(ev)
	}

	assert.Len(t, sub, cap(sub), "a saturated subscriber buffer is left full, not grown or blocked on")
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestSnapshotEvent_JSONRoundTrips(t *testing.T) {
	ev, err := NewSnapshotEvent("snapshot.triggered", "c1", map[string]int{"x": 1})
	require.NoError(t, err)

	raw, err := ev.JSON()
	require.NoError(t, err)

	var decoded SnapshotEvent
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "c1", decoded.Subject)
}

func TestBuildCheckOrigin_DevModeAllowsEverything(t *testing.T) {
	check := buildCheckOrigin(nil, true)
	r := httptest.NewRequest(http.MethodGet, "/tail", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.True(t, check(r))
}

func TestBuildCheckOrigin_NonBrowserRequestWithNoOriginIsAllowed(t *testing.T) {
	check := buildCheckOrigin([]string{"https://ok.example"}, false)
	r := httptest.NewRequest(http.MethodGet, "/tail", nil)
	assert.True(t, check(r))
}

func TestBuildCheckOrigin_RejectsUnlistedOrigin(t *testing.T) {
	check := buildCheckOrigin([]string{"https://ok.example"}, false)
	r := httptest.NewRequest(http.MethodGet, "/tail", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
}

func TestBuildCheckOrigin_AllowsListedOrigin(t *testing.T) {
	check := buildCheckOrigin([]string{"https://ok.example"}, false)
	r := httptest.NewRequest(http.MethodGet, "/tail", nil)
	r.Header.Set("Origin", "https://ok.example")
	assert.True(t, check(r))
}

type fakeConditionsProvider struct{ views []ConditionView }

func (f fakeConditionsProvider) Conditions() []ConditionView { return f.views }

func TestHandleConditions_EncodesProviderViewsAsJSON(t *testing.T) {
	s := &Server{conditions: fakeConditionsProvider{views: []ConditionView{
		{Index: 0, CampaignID: "c1", Phase: "armed", CurrentlyTrue: true},
	}}}

	req := httptest.NewRequest(http.MethodGet, "/conditions", nil)
	rec := httptest.NewRecorder()

	s.handleConditions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got []ConditionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].CampaignID)
	assert.True(t, got[0].CurrentlyTrue)
}

func TestHandleHealthz_RespondsOK(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.handleHealthz(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
