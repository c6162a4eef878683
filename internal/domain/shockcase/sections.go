package shockcase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// SectionName names a workflow section of a case.
type SectionName string

const (
	SectionHistory      SectionName = "history"
	SectionMedications  SectionName = "medications"
	SectionAdmission    SectionName = "admission"
	SectionDailyEntries SectionName = "dailyEntries"
	SectionMCSEntries   SectionName = "mcsEntries"
	SectionOutcome      SectionName = "outcome"
)

var allSections = []SectionName{
	SectionHistory,
	SectionMedications,
	SectionAdmission,
	SectionDailyEntries,
	SectionMCSEntries,
	SectionOutcome,
}

// AllSections lists every section in workflow order.
func AllSections() []SectionName {
	out := make([]SectionName, len(allSections))
	copy(out, allSections)
	return out
}

func (n SectionName) Valid() bool {
	for _, s := range allSections {
		if s == n {
			return true
		}
	}
	return false
}

// Fields holds form values the lifecycle stores without interpreting.
type Fields map[string]any

// SectionPayload is implemented only by the section types in this package.
type SectionPayload interface {
	Section() SectionName
	sectionPayload()
}

type History struct {
	Fields Fields `json:"fields,omitempty"`
}

type Medications struct {
	Items  []string `json:"items,omitempty"`
	Fields Fields   `json:"fields,omitempty"`
}

type Admission struct {
	HospitalAdmittedAt *time.Time `json:"hospitalAdmittedAt,omitempty"`
	ICUAdmittedAt      *time.Time `json:"icuAdmittedAt,omitempty"`
	SCAIStage          SCAIStage  `json:"scaiStage,omitempty"`
	Fields             Fields     `json:"fields,omitempty"`
}

type DailyEntry struct {
	Day        int       `json:"day"`
	RecordedAt time.Time `json:"recordedAt"`
	SCAIStage  SCAIStage `json:"scaiStage,omitempty"`
	Fields     Fields    `json:"fields,omitempty"`
}

type MCSEntry struct {
	Device    string     `json:"device"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Fields    Fields     `json:"fields,omitempty"`
}

type Outcome struct {
	Status               OutcomeStatus `json:"status"`
	ICUDischargedAt      *time.Time    `json:"icuDischargedAt,omitempty"`
	HospitalDischargedAt *time.Time    `json:"hospitalDischargedAt,omitempty"`
	Fields               Fields        `json:"fields,omitempty"`
}

func (History) Section() SectionName     { return SectionHistory }
func (Medications) Section() SectionName { return SectionMedications }
func (Admission) Section() SectionName   { return SectionAdmission }
func (DailyEntry) Section() SectionName  { return SectionDailyEntries }
func (MCSEntry) Section() SectionName    { return SectionMCSEntries }
func (Outcome) Section() SectionName     { return SectionOutcome }

func (History) sectionPayload()     {}
func (Medications) sectionPayload() {}
func (Admission) sectionPayload()   {}
func (DailyEntry) sectionPayload()  {}
func (MCSEntry) sectionPayload()    {}
func (Outcome) sectionPayload()     {}

// Sections is the typed section store of a case. Singleton sections are
// replaced on write, entry lists are appended to.
type Sections struct {
	History      *History                  `json:"history,omitempty"`
	Medications  *Medications              `json:"medications,omitempty"`
	Admission    *Admission                `json:"admission,omitempty"`
	DailyEntries []DailyEntry              `json:"dailyEntries,omitempty"`
	MCSEntries   []MCSEntry                `json:"mcsEntries,omitempty"`
	Outcome      *Outcome                  `json:"outcome,omitempty"`
	Stamps       map[SectionName]time.Time `json:"stamps,omitempty"`
}

// Merge applies p and stamps its section with at.
func (s *Sections) Merge(p SectionPayload, at time.Time) {
	p = deref(p)
	switch v := p.(type) {
	case History:
		v.Fields = cloneFields(v.Fields)
		s.History = &v
	case Medications:
		v.Items = append([]string(nil), v.Items...)
		v.Fields = cloneFields(v.Fields)
		s.Medications = &v
	case Admission:
		v.Fields = cloneFields(v.Fields)
		v.HospitalAdmittedAt = cloneTime(v.HospitalAdmittedAt)
		v.ICUAdmittedAt = cloneTime(v.ICUAdmittedAt)
		s.Admission = &v
	case DailyEntry:
		v.Fields = cloneFields(v.Fields)
		if v.RecordedAt.IsZero() {
			v.RecordedAt = at
		}
		s.DailyEntries = append(s.DailyEntries, v)
	case MCSEntry:
		v.Fields = cloneFields(v.Fields)
		v.StartedAt = cloneTime(v.StartedAt)
		v.EndedAt = cloneTime(v.EndedAt)
		s.MCSEntries = append(s.MCSEntries, v)
	case Outcome:
		v.Fields = cloneFields(v.Fields)
		v.ICUDischargedAt = cloneTime(v.ICUDischargedAt)
		v.HospitalDischargedAt = cloneTime(v.HospitalDischargedAt)
		s.Outcome = &v
	default:
		panic(fmt.Sprintf("shockcase: unknown section payload %T", p))
	}
	if s.Stamps == nil {
		s.Stamps = make(map[SectionName]time.Time)
	}
	s.Stamps[p.Section()] = at
}

// Stamp returns the last write time of a section.
func (s Sections) Stamp(name SectionName) (time.Time, bool) {
	t, ok := s.Stamps[name]
	return t, ok
}

func (s Sections) Clone() Sections {
	out := Sections{Stamps: maps.Clone(s.Stamps)}
	if s.History != nil {
		h := *s.History
		h.Fields = cloneFields(h.Fields)
		out.History = &h
	}
	if s.Medications != nil {
		m := *s.Medications
		m.Items = append([]string(nil), m.Items...)
		m.Fields = cloneFields(m.Fields)
		out.Medications = &m
	}
	if s.Admission != nil {
		a := *s.Admission
		a.Fields = cloneFields(a.Fields)
		a.HospitalAdmittedAt = cloneTime(a.HospitalAdmittedAt)
		a.ICUAdmittedAt = cloneTime(a.ICUAdmittedAt)
		out.Admission = &a
	}
	if s.Outcome != nil {
		o := *s.Outcome
		o.Fields = cloneFields(o.Fields)
		o.ICUDischargedAt = cloneTime(o.ICUDischargedAt)
		o.HospitalDischargedAt = cloneTime(o.HospitalDischargedAt)
		out.Outcome = &o
	}
	if s.DailyEntries != nil {
		out.DailyEntries = make([]DailyEntry, len(s.DailyEntries))
		for i, e := range s.DailyEntries {
			e.Fields = cloneFields(e.Fields)
			out.DailyEntries[i] = e
		}
	}
	if s.MCSEntries != nil {
		out.MCSEntries = make([]MCSEntry, len(s.MCSEntries))
		for i, e := range s.MCSEntries {
			e.Fields = cloneFields(e.Fields)
			e.StartedAt = cloneTime(e.StartedAt)
			e.EndedAt = cloneTime(e.EndedAt)
			out.MCSEntries[i] = e
		}
	}
	return out
}

// Only returns a deep copy of s holding just the sections in set, with
// the write stamps of the others dropped.
func (s Sections) Only(set SectionSet) Sections {
	out := s.Clone()
	if !set.Has(SectionHistory) {
		out.History = nil
	}
	if !set.Has(SectionMedications) {
		out.Medications = nil
	}
	if !set.Has(SectionAdmission) {
		out.Admission = nil
	}
	if !set.Has(SectionDailyEntries) {
		out.DailyEntries = nil
	}
	if !set.Has(SectionMCSEntries) {
		out.MCSEntries = nil
	}
	if !set.Has(SectionOutcome) {
		out.Outcome = nil
	}
	for name := range out.Stamps {
		if !set.Has(name) {
			delete(out.Stamps, name)
		}
	}
	return out
}

// deref accepts pointers to section types, which satisfy SectionPayload
// through their value methods. A nil pointer yields nil.
func deref(p SectionPayload) SectionPayload {
	if isNilPayload(p) {
		return nil
	}
	switch v := p.(type) {
	case *History:
		return *v
	case *Medications:
		return *v
	case *Admission:
		return *v
	case *DailyEntry:
		return *v
	case *MCSEntry:
		return *v
	case *Outcome:
		return *v
	}
	return p
}

// isNilPayload reports whether p is nil or a typed nil pointer.
func isNilPayload(p SectionPayload) bool {
	switch v := p.(type) {
	case nil:
		return true
	case *History:
		return v == nil
	case *Medications:
		return v == nil
	case *Admission:
		return v == nil
	case *DailyEntry:
		return v == nil
	case *MCSEntry:
		return v == nil
	case *Outcome:
		return v == nil
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// cloneFields copies f including nested maps and slices, so a stored case
// never shares mutable state with its callers.
func cloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Fields:
		return cloneFields(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []int:
		return append([]int(nil), t...)
	}
	return v
}

// DecodeSection decodes a transport payload into the typed section named
// by name. Unknown fields are rejected.
func DecodeSection(name SectionName, raw []byte) (SectionPayload, error) {
	var p SectionPayload
	var err error
	switch name {
	case SectionHistory:
		p, err = decodeStrict[History](raw)
	case SectionMedications:
		p, err = decodeStrict[Medications](raw)
	case SectionAdmission:
		p, err = decodeStrict[Admission](raw)
	case SectionDailyEntries:
		p, err = decodeStrict[DailyEntry](raw)
	case SectionMCSEntries:
		p, err = decodeStrict[MCSEntry](raw)
	case SectionOutcome:
		p, err = decodeStrict[Outcome](raw)
	default:
		return nil, invalidArgument("unknown section %q", name)
	}
	if err != nil {
		return nil, invalidArgument("decode %s: %v", name, err)
	}
	return p, nil
}

func decodeStrict[T SectionPayload](raw []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}
