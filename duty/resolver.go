package duty

import (
	"sort"
	"time"

	"github.com/opspulse/oncall/db"
)

// OnDuty is the resolved on-call user for one instant.
type OnDuty struct {
	UserID  string
	LayerID string
	Window  Window
}

// Resolve walks layers in ascending priority order and returns the first
// one that yields an in-restriction user at the given instant. Higher
// priority layers mask lower ones entirely; there is no merging. A false
// second return means no one is on call, which is a valid, reportable
// state rather than an error.
//
// Layers that are not yet started or have no users fall through to the
// next layer, mirroring how restriction misses do.
func Resolve(layers []db.ScheduleLayer, at time.Time, loc *time.Location) (OnDuty, bool) {
	ordered := make([]db.ScheduleLayer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Order < ordered[j].Order
	})

	for _, layer := range ordered {
		window, err := OnDutyWindow(layer, at, loc)
		if err != nil {
			continue
		}
		if !WithinRestriction(layer.RestrictionTimes, at, loc) {
			continue
		}
		return OnDuty{
			UserID:  layer.UserIDs[window.RotationIndex],
			LayerID: layer.ID,
			Window:  window,
		}, true
	}
	return OnDuty{}, false
}
