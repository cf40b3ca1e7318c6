// Package language guesses the language of recognized text and maps it to
// a speech locale.
package language

import (
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// Und is returned when the text is too short or too ambiguous to classify.
const Und = "und"

// DefaultMinLength is the shortest input, in characters, that is classified.
const DefaultMinLength = 10

// Classifier returns an ISO 639-3 code for text, or Und.
type Classifier interface {
	Classify(text string) string
}

// Whatlang classifies with whatlanggo's trigram detector.
type Whatlang struct {
	MinLength int
	// Only restricts detection to these languages. Empty means every
	// language whatlanggo knows.
	Only []whatlanggo.Lang
}

// Targets are the languages the OCR stage is configured for. NewWhatlang
// restricts detection to them.
var Targets = []whatlanggo.Lang{
	whatlanggo.Eng, whatlanggo.Spa, whatlanggo.Fra,
	whatlanggo.Hin, whatlanggo.Jpn, whatlanggo.Ben,
}

func NewWhatlang(minLength int) *Whatlang {
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Whatlang{
		MinLength: minLength,
		Only:      append([]whatlanggo.Lang(nil), Targets...),
	}
}

func (w *Whatlang) allows(lang whatlanggo.Lang) bool {
	if len(w.Only) == 0 {
		return true
	}
	for _, l := range w.Only {
		if l == lang {
			return true
		}
	}
	return false
}

func (w *Whatlang) Classify(text string) string {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < w.MinLength {
		return Und
	}

	var info whatlanggo.Info
	if len(w.Only) > 0 {
		allowed := make(map[whatlanggo.Lang]bool, len(w.Only))
		for _, lang := range w.Only {
			allowed[lang] = true
		}
		info = whatlanggo.DetectWithOptions(trimmed, whatlanggo.Options{Whitelist: allowed})
	} else {
		info = whatlanggo.Detect(trimmed)
	}

	if info.Lang == -1 || !info.IsReliable() {
		return Und
	}
	// Han-only text is reported as Mandarin whatever the whitelist says.
	// Without Mandarin in scope it can only be kanji-heavy Japanese.
	if info.Lang == whatlanggo.Cmn && !w.allows(whatlanggo.Cmn) && w.allows(whatlanggo.Jpn) {
		return whatlanggo.Jpn.Iso6393()
	}
	return info.Lang.Iso6393()
}

// Mapping is an immutable table from detector codes to speech locales.
type Mapping struct {
	locales  map[string]language.Tag
	fallback language.Tag
}

// NewMapping copies entries; later edits to the argument have no effect.
func NewMapping(entries map[string]language.Tag, fallback language.Tag) Mapping {
	locales := make(map[string]language.Tag, len(entries))
	for code, tag := range entries {
		locales[strings.ToLower(code)] = tag
	}
	return Mapping{locales: locales, fallback: fallback}
}

// DefaultMapping covers the six scripts the bot recognizes.
func DefaultMapping() Mapping {
	return NewMapping(map[string]language.Tag{
		"eng": language.AmericanEnglish,
		"spa": language.EuropeanSpanish,
		"fra": language.MustParse("fr-FR"),
		"hin": language.MustParse("hi-IN"),
		"jpn": language.MustParse("ja-JP"),
		"ben": language.MustParse("bn-IN"),
	}, language.AmericanEnglish)
}

// WithFallback returns a copy of m whose default locale is tag.
func (m Mapping) WithFallback(tag language.Tag) Mapping {
	return Mapping{locales: m.locales, fallback: tag}
}

func (m Mapping) Fallback() language.Tag {
	return m.fallback
}

// Lookup returns the locale for code and whether code was mapped.
func (m Mapping) Lookup(code string) (language.Tag, bool) {
	tag, ok := m.locales[strings.ToLower(code)]
	if !ok {
		return m.fallback, false
	}
	return tag, true
}

// Resolve classifies text and maps the result. Unknown and undetermined
// codes resolve to the fallback locale; a nil classifier or a panicking
// one does too.
func Resolve(c Classifier, m Mapping, text string) (code string, tag language.Tag) {
	code = Und
	tag = m.fallback
	if c == nil {
		return code, tag
	}
	defer func() {
		if recover() != nil {
			code, tag = Und, m.fallback
		}
	}()
	code = c.Classify(text)
	tag, _ = m.Lookup(code)
	return code, tag
}
