package shockcase

import "encoding/json"

// SectionSet is a small set of section names.
type SectionSet uint8

func setOf(names ...SectionName) SectionSet {
	var s SectionSet
	for _, n := range names {
		s |= sectionBit(n)
	}
	return s
}

func sectionBit(n SectionName) SectionSet {
	for i, s := range allSections {
		if s == n {
			return 1 << i
		}
	}
	return 0
}

func (s SectionSet) Has(n SectionName) bool {
	b := sectionBit(n)
	return b != 0 && s&b != 0
}

func (s SectionSet) Empty() bool { return s == 0 }

// Names returns the members in workflow order.
func (s SectionSet) Names() []SectionName {
	out := []SectionName{}
	for i, n := range allSections {
		if s&(1<<i) != 0 {
			out = append(out, n)
		}
	}
	return out
}

func (s SectionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Names())
}

var (
	activeSections    = setOf(SectionHistory, SectionMedications)
	approvedSections  = activeSections | setOf(SectionAdmission)
	admittedSections  = approvedSections | setOf(SectionDailyEntries, SectionMCSEntries)
	dischargeSections = setOf(SectionOutcome)
	rejectedSections  = setOf(SectionHistory)
)

var visibility = map[Status]SectionSet{
	StatusPending:     activeSections,
	StatusUnderReview: activeSections,
	StatusApproved:    approvedSections,
	StatusAdmitted:    admittedSections,
	StatusDischarged:  dischargeSections,
	StatusRejected:    rejectedSections,
	StatusArchived:    0,
}

var defaultSection = map[Status]SectionName{
	StatusPending:     SectionHistory,
	StatusUnderReview: SectionHistory,
	StatusRejected:    SectionHistory,
	StatusApproved:    SectionAdmission,
	StatusAdmitted:    SectionDailyEntries,
	StatusDischarged:  SectionOutcome,
	StatusArchived:    SectionOutcome,
}

// VisibleSections returns the sections a caller may read or write while a
// case is in status. Unknown statuses see nothing.
func VisibleSections(status Status) SectionSet {
	return visibility[status]
}

// DefaultSection returns the section a user should land on. It is a
// routing convenience only and grants no access.
func DefaultSection(status Status) SectionName {
	if s, ok := defaultSection[status]; ok {
		return s
	}
	return SectionHistory
}
