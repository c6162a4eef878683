package shockcase

import "time"

type ShockType string

const (
	ShockCardiogenic  ShockType = "cardiogenic"
	ShockSeptic       ShockType = "septic"
	ShockHypovolemic  ShockType = "hypovolemic"
	ShockObstructive  ShockType = "obstructive"
	ShockDistributive ShockType = "distributive"
	ShockMixed        ShockType = "mixed"
)

var validShockTypes = map[ShockType]bool{
	ShockCardiogenic:  true,
	ShockSeptic:       true,
	ShockHypovolemic:  true,
	ShockObstructive:  true,
	ShockDistributive: true,
	ShockMixed:        true,
}

func (t ShockType) Valid() bool { return validShockTypes[t] }

// SCAIStage is the SCAI shock severity classification, A (at risk) to E
// (extremis).
type SCAIStage string

const (
	SCAIA SCAIStage = "A"
	SCAIB SCAIStage = "B"
	SCAIC SCAIStage = "C"
	SCAID SCAIStage = "D"
	SCAIE SCAIStage = "E"
)

var scaiRank = map[SCAIStage]int{SCAIA: 1, SCAIB: 2, SCAIC: 3, SCAID: 4, SCAIE: 5}

func (s SCAIStage) Valid() bool { return scaiRank[s] > 0 }

// Worse returns the more severe of s and o. Unset stages lose.
func (s SCAIStage) Worse(o SCAIStage) SCAIStage {
	if scaiRank[o] > scaiRank[s] {
		return o
	}
	return s
}

type Sex string

const (
	SexMale   Sex = "M"
	SexFemale Sex = "F"
	SexOther  Sex = "X"
)

func (s Sex) Valid() bool {
	return s == SexMale || s == SexFemale || s == SexOther
}

// ValidAgeDecade reports whether d is a decade lower bound between 0 and 100.
func ValidAgeDecade(d int) bool {
	return d >= 0 && d <= 100 && d%10 == 0
}

type OutcomeStatus string

const (
	OutcomeSurvivedICU      OutcomeStatus = "survived_icu"
	OutcomeDiedICU          OutcomeStatus = "died_icu"
	OutcomeSurvivedHospital OutcomeStatus = "survived_hospital"
	OutcomeDiedHospital     OutcomeStatus = "died_hospital"
	OutcomeTransferred      OutcomeStatus = "transferred"
)

var validOutcomes = map[OutcomeStatus]bool{
	OutcomeSurvivedICU:      true,
	OutcomeDiedICU:          true,
	OutcomeSurvivedHospital: true,
	OutcomeDiedHospital:     true,
	OutcomeTransferred:      true,
}

func (o OutcomeStatus) Valid() bool { return validOutcomes[o] }

// Case is an active registry submission keyed by its tracking token.
type Case struct {
	TT                 TrackingToken `json:"tt"`
	Status             Status        `json:"status"`
	ShockType          ShockType     `json:"shockType"`
	SCAIStage          SCAIStage     `json:"scaiStage"`
	PeakSCAIStage      SCAIStage     `json:"peakScaiStage"`
	AdmissionSCAIStage SCAIStage     `json:"admissionScaiStage,omitempty"`
	AgeDecade          int           `json:"ageDecade"`
	Sex                Sex           `json:"sex"`
	Sections           Sections      `json:"sections"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
	Version            int64         `json:"version"`
}

// SetSCAIStage records a new severity and keeps the peak up to date.
func (c *Case) SetSCAIStage(s SCAIStage) {
	c.SCAIStage = s
	c.PeakSCAIStage = c.PeakSCAIStage.Worse(s)
}

func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	out.Sections = c.Sections.Clone()
	return &out
}

// AggregatedData is the summary snapshot carried by an archive record. It
// holds counts and coded values only.
type AggregatedData struct {
	HistoryRecorded     bool     `json:"historyRecorded"`
	MedicationsRecorded bool     `json:"medicationsRecorded"`
	MedicationItemCount int      `json:"medicationItemCount"`
	DailyEntryCount     int      `json:"dailyEntryCount"`
	MCSEntryCount       int      `json:"mcsEntryCount"`
	MCSDevices          []string `json:"mcsDevices,omitempty"`
}

// ArchiveRecord is the immutable, anonymized result of archival. It has no
// field that could hold a tracking token.
type ArchiveRecord struct {
	RegistryID         RegistryID     `json:"registryId"`
	ArchiveID          ArchiveID      `json:"-"`
	ShockType          ShockType      `json:"shockType"`
	AgeDecade          int            `json:"ageDecade"`
	Sex                Sex            `json:"sex"`
	OutcomeStatus      OutcomeStatus  `json:"outcomeStatus"`
	LengthOfStayDays   int            `json:"lengthOfStayDays"`
	ICUDays            int            `json:"icuDays"`
	SCAIStageAdmission SCAIStage      `json:"scaiStageAdmission"`
	SCAIStageWorst     SCAIStage      `json:"scaiStageWorst"`
	AggregatedData     AggregatedData `json:"aggregatedData"`
	ArchivedAt         time.Time      `json:"archivedAt"`
}

func (r *ArchiveRecord) Clone() *ArchiveRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.AggregatedData.MCSDevices = append([]string(nil), r.AggregatedData.MCSDevices...)
	return &out
}

// ArchivedEvent is published after an archival commits.
type ArchivedEvent struct {
	RegistryID    RegistryID    `json:"registryId"`
	ShockType     ShockType     `json:"shockType"`
	OutcomeStatus OutcomeStatus `json:"outcomeStatus"`
	ArchivedAt    time.Time     `json:"archivedAt"`
}
