// Package extract maps raw alert documents to typed observables and MITRE
// ATT&CK technique mappings. Extraction is a pure, total function: absent
// fields are omitted, never an error.
package extract

import (
	"github.com/linnemanlabs/sentinel/internal/schema"
)

// entitySource tags observables lifted verbatim from the alert document.
const entitySource = "alert"

// fieldMap is the fixed set of alert fields lifted into entities, in emission order.
var fieldMap = []struct {
	path string
	typ  schema.EntityType
}{
	{"agent.id", schema.EntityHost},
	{"agent.name", schema.EntityHostname},
	{"agent.ip", schema.EntityIP},
	{"rule.id", schema.EntityRuleID},
	{"data.srcip", schema.EntityIP},
	{"data.dstip", schema.EntityIP},
	{"data.srcuser", schema.EntityUser},
	{"data.dstuser", schema.EntityUser},
	{"data.win.eventdata.targetUserName", schema.EntityUser},
	{"syscheck.path", schema.EntityFilePath},
	{"syscheck.md5_after", schema.EntityHash},
	{"syscheck.sha1_after", schema.EntityHash},
	{"syscheck.sha256_after", schema.EntityHash},
	{"data.vulnerability.cve", schema.EntityCVE},
}

// Entities lifts the fixed field set from the alert into typed observables.
// Native alert fields carry confidence 1.0; values below 1.0 are reserved for
// inferred entities from future enrichment extractors.
func Entities(doc schema.Document) []schema.Entity {
	out := []schema.Entity{}
	seen := make(map[string]bool)

	for _, f := range fieldMap {
		v, ok := doc.Str(f.path)
		if !ok || v == "" {
			continue
		}
		e := schema.Entity{
			Type:       f.typ,
			Value:      v,
			Source:     entitySource,
			Confidence: 1.0,
		}
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		out = append(out, e)
	}

	for _, t := range Mitre(doc) {
		e := schema.Entity{
			Type:       schema.EntityMitreTechnique,
			Value:      t.ID,
			Source:     entitySource,
			Confidence: 1.0,
		}
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		out = append(out, e)
	}

	return out
}

// Mitre zips the rule's parallel ATT&CK arrays (id[], technique[], tactic[])
// by index. Upstream rule metadata is frequently incomplete, so a short
// technique array falls back to the raw id and a short tactic array falls
// back to "unknown". No mapping data yields an empty list, never nil checks
// for the caller to make.
func Mitre(doc schema.Document) []schema.MitreTechnique {
	ids := doc.Strings("rule.mitre.id")
	if len(ids) == 0 {
		return []schema.MitreTechnique{}
	}

	techniques := doc.Strings("rule.mitre.technique")
	tactics := doc.Strings("rule.mitre.tactic")

	out := make([]schema.MitreTechnique, 0, len(ids))
	for i, id := range ids {
		t := schema.MitreTechnique{ID: id, Name: id, Tactic: "unknown"}
		if i < len(techniques) && techniques[i] != "" {
			t.Name = techniques[i]
		}
		if i < len(tactics) && tactics[i] != "" {
			t.Tactic = tactics[i]
		}
		out = append(out, t)
	}
	return out
}
