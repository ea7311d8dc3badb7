package streams

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Language is a second-language elective. The zero value means no choice.
type Language string

const (
	LanguageNone              Language = ""
	LanguageKannada           Language = "KANNADA"
	LanguageHindi             Language = "HINDI"
	LanguageSanskrit          Language = "SANSKRIT"
	LanguageTamil             Language = "TAMIL"
	LanguageTelugu            Language = "TELUGU"
	LanguageUrdu              Language = "URDU"
	LanguageAdditionalEnglish Language = "ADDITIONAL_ENGLISH"
)

// Languages lists every elective language.
var Languages = []Language{
	LanguageKannada, LanguageHindi, LanguageSanskrit, LanguageTamil,
	LanguageTelugu, LanguageUrdu, LanguageAdditionalEnglish,
}

// ParseLanguage is case-insensitive; "", "none" and "null" yield LanguageNone.
func ParseLanguage(s string) (Language, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	switch v {
	case "", "NONE", "NULL":
		return LanguageNone, nil
	}
	for _, l := range Languages {
		if Language(v) == l {
			return l, nil
		}
	}
	return LanguageNone, fmt.Errorf("unknown language %q", s)
}

// MarshalJSON encodes LanguageNone as null.
func (l Language) MarshalJSON() ([]byte, error) {
	if l == LanguageNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(l))
}

// UnmarshalJSON accepts null, a string, or any casing of a known language.
func (l *Language) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = LanguageNone
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLanguage(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// SubjectType classifies a subject.
type SubjectType string

const (
	SubjectCore      SubjectType = "core"
	SubjectElective  SubjectType = "elective"
	SubjectLanguage  SubjectType = "language"
	SubjectPractical SubjectType = "practical"
	SubjectSkill     SubjectType = "skill"
)

// ParseSubjectType is case-insensitive; empty means core.
func ParseSubjectType(s string) (SubjectType, error) {
	switch SubjectType(strings.ToLower(strings.TrimSpace(s))) {
	case "", SubjectCore:
		return SubjectCore, nil
	case SubjectElective:
		return SubjectElective, nil
	case SubjectLanguage:
		return SubjectLanguage, nil
	case SubjectPractical:
		return SubjectPractical, nil
	case SubjectSkill:
		return SubjectSkill, nil
	}
	return "", fmt.Errorf("unknown subject type %q", s)
}
