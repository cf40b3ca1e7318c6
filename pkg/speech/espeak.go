package speech

import (
	"context"
	"strings"

	"golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/process"
)

var espeakVoices = map[string]string{
	"en-us": "en-us",
	"en-gb": "en-gb",
	"en":    "en",
	"es":    "es",
	"fr-fr": "fr-fr",
	"fr":    "fr",
	"hi":    "hi",
	"ja":    "ja",
	"bn":    "bn",
	"de":    "de",
	"it":    "it",
	"pt":    "pt",
	"ru":    "ru",
}

// ESpeak drives espeak-ng. It works offline and writes WAV.
type ESpeak struct {
	Binary string
	Runner process.Runner
}

func NewESpeak(binary string) *ESpeak {
	if binary == "" {
		binary = "espeak-ng"
	}
	return &ESpeak{Binary: binary, Runner: process.NewExecRunner()}
}

func (e *ESpeak) Name() string { return "espeak" }

func (e *ESpeak) Synthesize(ctx context.Context, text string, locale language.Tag, outBase string) (Audio, error) {
	if err := checkText(e.Name(), locale, text); err != nil {
		return Audio{}, err
	}
	voice, ok := voiceFor(espeakVoices, locale)
	if !ok {
		return Audio{}, &Error{Engine: e.Name(), Locale: locale.String(), Err: ErrUnsupportedLocale}
	}

	path := outBase + ".wav"
	cmd := process.Command{
		Name:  e.Binary,
		Args:  []string{"-v", voice, "-w", path, "--stdin"},
		Stdin: strings.NewReader(text),
	}
	return render(ctx, e.Runner, e.Name(), locale, cmd, path, "audio/wav")
}
