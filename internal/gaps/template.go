// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package gaps

import "github.com/pdiddy/chapter-engine/pkg/types"

// RequiredSection is one entry of a chapter-type template.
type RequiredSection struct {
	Key         string
	Title       string
	Description string
	Severity    types.Severity
}

var templates = map[types.ChapterType][]RequiredSection{
	types.ChapterSurgicalDisease: {
		{"introduction", "Introduction", "definition and scope of the condition", types.SeverityMedium},
		{"epidemiology", "Epidemiology", "incidence, prevalence and risk factors", types.SeverityMedium},
		{"pathophysiology", "Pathophysiology", "mechanisms of disease", types.SeverityHigh},
		{"clinical_presentation", "Clinical Presentation", "symptoms and signs", types.SeverityCritical},
		{"diagnosis", "Diagnosis", "laboratory and imaging workup, differential diagnosis", types.SeverityCritical},
		{"management", "Management", "operative and non-operative treatment", types.SeverityCritical},
		{"complications", "Complications", "disease and treatment complications", types.SeverityHigh},
		{"outcomes", "Outcomes and Prognosis", "morbidity, mortality and long-term results", types.SeverityMedium},
	},
	types.ChapterPureAnatomy: {
		{"introduction", "Introduction", "overview of the region", types.SeverityMedium},
		{"embryology", "Embryology", "developmental origin", types.SeverityLow},
		{"gross_anatomy", "Gross Anatomy", "structure, relations and landmarks", types.SeverityCritical},
		{"blood_supply", "Blood Supply", "arterial supply and venous drainage", types.SeverityCritical},
		{"innervation", "Innervation", "nerve supply", types.SeverityHigh},
		{"lymphatic_drainage", "Lymphatic Drainage", "lymphatic pathways and nodal stations", types.SeverityMedium},
		{"variants", "Anatomical Variants", "common and surgically relevant variants", types.SeverityHigh},
		{"clinical_correlations", "Clinical Correlations", "surgical and clinical relevance", types.SeverityHigh},
	},
	types.ChapterSurgicalTechnique: {
		{"introduction", "Introduction", "purpose and history of the procedure", types.SeverityMedium},
		{"indications", "Indications", "when the procedure is performed", types.SeverityCritical},
		{"contraindications", "Contraindications", "absolute and relative contraindications", types.SeverityCritical},
		{"preoperative_preparation", "Preoperative Preparation", "patient workup and preparation", types.SeverityHigh},
		{"operative_technique", "Operative Technique", "step-by-step operative steps", types.SeverityCritical},
		{"postoperative_care", "Postoperative Care", "recovery and follow-up", types.SeverityHigh},
		{"complications", "Complications", "intraoperative and postoperative complications", types.SeverityCritical},
		{"outcomes", "Outcomes", "results and evidence", types.SeverityMedium},
	},
}

// Template returns the required sections for a chapter type, or nil for an
// unknown type. The returned slice is a copy.
func Template(ct types.ChapterType) []RequiredSection {
	return append([]RequiredSection(nil), templates[ct]...)
}

// severityRank orders severities from most to least serious.
func severityRank(s types.Severity) int {
	switch s {
	case types.SeverityCritical:
		return 0
	case types.SeverityHigh:
		return 1
	case types.SeverityMedium:
		return 2
	}
	return 3
}

// severityWeight weights a required section in content completeness.
func severityWeight(s types.Severity) float64 {
	return float64(4 - severityRank(s))
}
