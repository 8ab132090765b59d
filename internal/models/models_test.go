package models

import "testing"

// TestRideTransitions verifies the lifecycle table: forward progress plus
// cancellation from every non-terminal state, and nothing escaping a
// terminal state.
func TestRideTransitions(t *testing.T) {
	cases := []struct {
		from, to RideStatus
		want     bool
	}{
		{RidePending, RideAccepted, true},
		{RideAccepted, RideInProgress, true},
		{RideAccepted, RideCompleted, true},
		{RideInProgress, RideCompleted, true},

		{RidePending, RideCancelled, true},
		{RideAccepted, RideCancelled, true},
		{RideInProgress, RideCancelled, true},

		// nothing ever returns to pending
		{RideAccepted, RidePending, false},
		{RideInProgress, RidePending, false},
		{RideCompleted, RidePending, false},
		{RideCancelled, RidePending, false},

		// terminal states are closed
		{RideCompleted, RideCancelled, false},
		{RideCancelled, RideCancelled, false},
		{RideCompleted, RideInProgress, false},

		// no skipping pending straight to in_progress or completed
		{RidePending, RideInProgress, false},
		{RidePending, RideCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []RideStatus{RidePending, RideAccepted, RideInProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []RideStatus{RideCompleted, RideCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestHasAllFeatures(t *testing.T) {
	caps := []string{FeatureWheelchairAccessible, FeatureChildSeat}

	if !HasAllFeatures(caps, nil) {
		t.Error("zero requested features must match any vehicle")
	}
	if !HasAllFeatures(caps, []string{FeatureChildSeat}) {
		t.Error("subset should match")
	}
	if !HasAllFeatures(caps, []string{FeatureChildSeat, FeatureWheelchairAccessible}) {
		t.Error("full set should match")
	}
	if HasAllFeatures(caps, []string{FeatureBikeRack}) {
		t.Error("missing capability should not match")
	}
	if HasAllFeatures(nil, []string{FeatureChildSeat}) {
		t.Error("empty capability set cannot satisfy a requested feature")
	}
}

func TestGeoPointValid(t *testing.T) {
	cases := []struct {
		p    GeoPoint
		want bool
	}{
		{GeoPoint{Lat: 40.71, Lng: -74.0}, true},
		{GeoPoint{Lat: -90, Lng: 180}, true},
		{GeoPoint{}, false},          // zero value means unset
		{GeoPoint{Lat: 91}, false},   // out of range
		{GeoPoint{Lng: -181}, false}, // out of range
	}
	for _, tc := range cases {
		if got := tc.p.Valid(); got != tc.want {
			t.Errorf("Valid(%+v) = %v, want %v", tc.p, got, tc.want)
		}
	}
}

func TestPreferencesPushMuted(t *testing.T) {
	p := Preferences{UserID: "u1", PushEnabled: true, MutedTypes: []string{NotifyAnnouncement}}
	if p.PushMuted(NotifyRideAccepted) {
		t.Error("unmuted type should not be muted")
	}
	if !p.PushMuted(NotifyAnnouncement) {
		t.Error("muted type should be muted")
	}
	p.PushEnabled = false
	if !p.PushMuted(NotifyRideAccepted) {
		t.Error("push disabled mutes everything")
	}
}
