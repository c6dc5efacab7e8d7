package model

// DocField identifies one of the six story document fields without resorting
// to string field names. Stage handlers depend on this accessor, not on the
// Story struct layout.
type DocField int

const (
	DocPRD DocField = iota
	DocConfirmedPRD
	DocTechnicalDesign
	DocDetailedDesign
	DocCodingReport
	DocTestGuide
)

// Filename returns the canonical on-disk name for the document.
func (d DocField) Filename() string {
	switch d {
	case DocPRD:
		return "prd.md"
	case DocConfirmedPRD:
		return "confirmed_prd.md"
	case DocTechnicalDesign:
		return "technical_design.md"
	case DocDetailedDesign:
		return "detailed_design.md"
	case DocCodingReport:
		return "coding_report.md"
	case DocTestGuide:
		return "test_guide.md"
	}
	return ""
}

// Key returns the stage output key for the document.
func (d DocField) Key() string {
	switch d {
	case DocPRD:
		return "prd"
	case DocConfirmedPRD:
		return "confirmed_prd"
	case DocTechnicalDesign:
		return "technical_design"
	case DocDetailedDesign:
		return "detailed_design"
	case DocCodingReport:
		return "coding_report"
	case DocTestGuide:
		return "test_guide"
	}
	return ""
}

// DocFieldByKey resolves a stage output key to its document field.
func DocFieldByKey(key string) (DocField, bool) {
	for _, d := range []DocField{
		DocPRD, DocConfirmedPRD, DocTechnicalDesign,
		DocDetailedDesign, DocCodingReport, DocTestGuide,
	} {
		if d.Key() == key {
			return d, true
		}
	}
	return 0, false
}

// Get reads the raw field value (inline content or docs/ relative path).
func (d DocField) Get(s *Story) string {
	switch d {
	case DocPRD:
		return s.PRD
	case DocConfirmedPRD:
		return s.ConfirmedPRD
	case DocTechnicalDesign:
		return s.TechnicalDesign
	case DocDetailedDesign:
		return s.DetailedDesign
	case DocCodingReport:
		return s.CodingReport
	case DocTestGuide:
		return s.TestGuide
	}
	return ""
}

// Set writes the raw field value.
func (d DocField) Set(s *Story, v string) {
	switch d {
	case DocPRD:
		s.PRD = v
	case DocConfirmedPRD:
		s.ConfirmedPRD = v
	case DocTechnicalDesign:
		s.TechnicalDesign = v
	case DocDetailedDesign:
		s.DetailedDesign = v
	case DocCodingReport:
		s.CodingReport = v
	case DocTestGuide:
		s.TestGuide = v
	}
}

// HashField identifies a stage input-hash memo slot on the story.
type HashField int

const (
	HashPlanning HashField = iota
	HashDesigning
	HashCoding
)

// Get reads the stored input hash.
func (h HashField) Get(s *Story) string {
	switch h {
	case HashPlanning:
		return s.PlanningInputHash
	case HashDesigning:
		return s.DesigningInputHash
	case HashCoding:
		return s.CodingInputHash
	}
	return ""
}

// Set writes the stored input hash.
func (h HashField) Set(s *Story, v string) {
	switch h {
	case HashPlanning:
		s.PlanningInputHash = v
	case HashDesigning:
		s.DesigningInputHash = v
	case HashCoding:
		s.CodingInputHash = v
	}
}

// StageDocs maps each stage to the documents it produces. Rollback uses the
// reverse view: everything strictly after the target stage gets cleared.
var StageDocs = map[StoryStatus][]DocField{
	StatusPreparing:  {DocPRD},
	StatusClarifying: {DocConfirmedPRD},
	StatusPlanning:   {DocTechnicalDesign},
	StatusDesigning:  {DocDetailedDesign},
	StatusCoding:     {DocCodingReport, DocTestGuide},
}

// StageHashes maps each stage to its memo slot.
var StageHashes = map[StoryStatus]HashField{
	StatusPlanning:  HashPlanning,
	StatusDesigning: HashDesigning,
	StatusCoding:    HashCoding,
}

// CurrentDoc returns the document a chat-refinement turn edits for the given
// status: the document under review at that stage.
func CurrentDoc(status StoryStatus) (DocField, bool) {
	switch status {
	case StatusPreparing, StatusClarifying:
		return DocPRD, true
	case StatusPlanning:
		return DocTechnicalDesign, true
	case StatusDesigning:
		return DocDetailedDesign, true
	}
	return 0, false
}
