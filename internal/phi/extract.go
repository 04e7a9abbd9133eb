package phi

import (
	"regexp"
)

// Every kind rule captures the field value in group 1. Labels are matched
// but never part of the value, so redaction keeps them in place.
var kindRules = [numFieldKinds]*regexp.Regexp{
	FieldName:                 regexp.MustCompile(`(?:Patient|Patient name):[ \t]*([A-Z][a-z]+(?:[ \t][A-Z][a-z]+){0,2})(?:\r?\n|$)`),
	FieldDateOfBirth:          regexp.MustCompile(`(?:Date of Birth|DoB):[ \t]*(\d{2}/\d{2}/\d{4})`),
	FieldMedicalRecordNumber:  regexp.MustCompile(`Medical Record Number:[ \t]*(\d+)`),
	FieldVisitDate:            regexp.MustCompile(`Date of Visit:[ \t]*(\d{2}/\d{2}/\d{4})`),
	FieldAddress:              regexp.MustCompile(`Address:[ \t]*([\w .#'/-]+(?:,[\w .#'/-]+)*,[ \t]*[A-Z]{2}[ \t]+\d{5})`),
	FieldPhone:                regexp.MustCompile(`((?:\(\d{3}\)[ \t]?|\b\d{3}[-. ]?)\d{3}-\d{4})\b`),
	FieldEmail:                regexp.MustCompile(`\b([\w.+-]+@[\w-]+(?:\.[\w-]+)*\.[A-Za-z]{2,})\b`),
	FieldIdentificationNumber: regexp.MustCompile(`(?:^|\b|[^\w*])([\d*]{3}-[\d*]{2}-\d{4})\b`),
	FieldProvider:             regexp.MustCompile(`(?:Provider|Provider name):[ \t]*((?:Dr\.[ \t]*)?[A-Za-z][\w .'-]*?,[ \t]*MD)\b`),
}

// Extract scans text and returns the first occurrence of every field kind in
// document order. It never fails: malformed input yields an empty set.
func Extract(text string) FieldSet {
	var set FieldSet
	for _, kind := range AllFieldKinds() {
		loc := kindRules[kind].FindStringSubmatchIndex(text)
		if loc == nil || loc[2] < 0 {
			continue
		}
		set.Set(FieldMatch{
			Kind:  kind,
			Value: text[loc[2]:loc[3]],
			Start: loc[2],
			End:   loc[3],
		})
	}
	return set
}

// Occurrences returns every span of kind found in text, in document order.
// Extraction keeps only the first; redaction must cover all of them.
func Occurrences(text string, kind FieldKind) []FieldMatch {
	if !kind.Valid() {
		return nil
	}
	var out []FieldMatch
	for _, loc := range kindRules[kind].FindAllStringSubmatchIndex(text, -1) {
		if loc[2] < 0 {
			continue
		}
		out = append(out, FieldMatch{Kind: kind, Value: text[loc[2]:loc[3]], Start: loc[2], End: loc[3]})
	}
	return out
}
