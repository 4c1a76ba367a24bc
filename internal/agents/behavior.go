// Agent decisions: needs-driven choice for full-tier agents and a
// precomputed probability table for simplified-tier agents.
package agents

// DayPart is a coarse time-of-day band.
type DayPart uint8

const (
	DayNight DayPart = iota
	DayMorning
	DayAfternoon
	DayEvening
)

// NumDayParts is the number of time-of-day bands.
const NumDayParts = 4

// DayPartAt returns the time-of-day band for a tick.
func DayPartAt(tick, ticksPerDay uint64) DayPart {
	if ticksPerDay == 0 {
		return DayMorning
	}
	return DayPart((tick % ticksPerDay) * NumDayParts / ticksPerDay)
}

// MoodBand is a coarse mood bucket.
type MoodBand uint8

const (
	MoodLow MoodBand = iota
	MoodFair
	MoodHigh
)

// NumMoodBands is the number of mood bands.
const NumMoodBands = 3

// MoodBandOf buckets a mood value.
func MoodBandOf(mood float32) MoodBand {
	switch {
	case mood < 35:
		return MoodLow
	case mood < 65:
		return MoodFair
	}
	return MoodHigh
}

// Decide picks a full-tier agent's next activity. Needs are evaluated
// bottom-up; with no urgent need the schedule decides.
func Decide(a *Agent, part DayPart) Activity {
	fs := a.Full
	if fs == nil {
		return ActivityHome
	}

	switch fs.Needs.Priority() {
	case NeedRest:
		return ActivityHome
	case NeedFood:
		return ActivityShop
	case NeedSocial, NeedFun:
		return ActivityLeisure
	case NeedComfort:
		return ActivityHome
	}

	switch part {
	case DayMorning, DayAfternoon:
		if fs.Employed {
			return ActivityWork
		}
		return ActivityShop
	case DayEvening:
		return ActivityLeisure
	}
	return ActivityHome
}

// DecisionTable holds activity probabilities keyed by mood band and time of
// day. Each row sums to 1.
type DecisionTable [NumMoodBands][NumDayParts][NumActivities]float32

// DefaultDecisionTable approximates the choices full-tier agents make.
func DefaultDecisionTable() DecisionTable {
	//                     home  work  shop  leisure
	night := [NumActivities]float32{0.92, 0.04, 0.02, 0.02}
	return DecisionTable{
		MoodLow: {
			DayNight:     night,
			DayMorning:   {0.30, 0.50, 0.15, 0.05},
			DayAfternoon: {0.30, 0.45, 0.15, 0.10},
			DayEvening:   {0.60, 0.05, 0.15, 0.20},
		},
		MoodFair: {
			DayNight:     night,
			DayMorning:   {0.15, 0.65, 0.15, 0.05},
			DayAfternoon: {0.15, 0.55, 0.15, 0.15},
			DayEvening:   {0.45, 0.05, 0.15, 0.35},
		},
		MoodHigh: {
			DayNight:     night,
			DayMorning:   {0.10, 0.65, 0.15, 0.10},
			DayAfternoon: {0.10, 0.50, 0.15, 0.25},
			DayEvening:   {0.35, 0.05, 0.10, 0.50},
		},
	}
}

// Pick draws an activity for a mood band and day part. u must be in [0, 1).
func (t *DecisionTable) Pick(band MoodBand, part DayPart, u float32) Activity {
	row := &t[band%NumMoodBands][part%NumDayParts]
	var acc float32
	for i, p := range row {
		acc += p
		if u < acc {
			return Activity(i)
		}
	}
	return ActivityHome
}

// MoodTarget is the mood an activity pulls a simplified agent toward.
var MoodTarget = [NumActivities]float32{
	ActivityHome:    58,
	ActivityWork:    50,
	ActivityShop:    55,
	ActivityLeisure: 66,
}
