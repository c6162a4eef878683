package shockcase

import (
	"math"
	"sort"
	"time"
)

// Summary is what an Aggregator derives from a case at archival time.
type Summary struct {
	Data               AggregatedData
	OutcomeStatus      OutcomeStatus
	LengthOfStayDays   int
	ICUDays            int
	SCAIStageAdmission SCAIStage
	SCAIStageWorst     SCAIStage
}

// Aggregator reduces a case to archive-level summary data. It runs inside
// the archival transaction against the locked case and must not retain
// the case or its tracking token.
type Aggregator interface {
	Aggregate(c *Case) (Summary, error)
}

// SummaryAggregator derives counts, stay durations and SCAI stages. Free
// form Fields are never copied into the summary.
type SummaryAggregator struct{}

func (SummaryAggregator) Aggregate(c *Case) (Summary, error) {
	s := c.Sections
	out := Summary{
		Data: AggregatedData{
			HistoryRecorded:     s.History != nil,
			MedicationsRecorded: s.Medications != nil,
			DailyEntryCount:     len(s.DailyEntries),
			MCSEntryCount:       len(s.MCSEntries),
		},
		SCAIStageAdmission: c.AdmissionSCAIStage,
		SCAIStageWorst:     c.PeakSCAIStage.Worse(c.SCAIStage),
	}
	if s.Medications != nil {
		out.Data.MedicationItemCount = len(s.Medications.Items)
	}

	devices := map[string]bool{}
	for _, e := range s.MCSEntries {
		if e.Device != "" {
			devices[e.Device] = true
		}
	}
	for d := range devices {
		out.Data.MCSDevices = append(out.Data.MCSDevices, d)
	}
	sort.Strings(out.Data.MCSDevices)

	for _, e := range s.DailyEntries {
		out.SCAIStageWorst = out.SCAIStageWorst.Worse(e.SCAIStage)
	}

	var hospitalIn, icuIn *time.Time
	if a := s.Admission; a != nil {
		hospitalIn, icuIn = a.HospitalAdmittedAt, a.ICUAdmittedAt
		if a.SCAIStage != "" {
			out.SCAIStageAdmission = a.SCAIStage
		}
		out.SCAIStageWorst = out.SCAIStageWorst.Worse(a.SCAIStage)
	}
	if out.SCAIStageAdmission == "" {
		out.SCAIStageAdmission = c.SCAIStage
	}
	if icuIn == nil {
		icuIn = hospitalIn
	}
	if hospitalIn == nil {
		hospitalIn = icuIn
	}

	if o := s.Outcome; o != nil {
		out.OutcomeStatus = o.Status
		hospitalOut := o.HospitalDischargedAt
		if hospitalOut == nil {
			hospitalOut = o.ICUDischargedAt
		}
		out.ICUDays = spanDays(icuIn, o.ICUDischargedAt)
		out.LengthOfStayDays = spanDays(hospitalIn, hospitalOut)
	}
	if out.ICUDays == 0 {
		out.ICUDays = len(s.DailyEntries)
	}
	if out.LengthOfStayDays < out.ICUDays {
		out.LengthOfStayDays = out.ICUDays
	}
	return out, nil
}

// spanDays counts started days between from and to, 0 if either is unknown
// or the span is negative.
func spanDays(from, to *time.Time) int {
	if from == nil || to == nil || to.Before(*from) {
		return 0
	}
	return int(math.Ceil(to.Sub(*from).Hours() / 24))
}
