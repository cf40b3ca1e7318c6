package speech

import (
	"context"
	"strings"

	"golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/process"
)

// gttsVoices maps locales to gtts-cli --lang values.
var gttsVoices = map[string]string{
	"en": "en",
	"es": "es",
	"fr": "fr",
	"hi": "hi",
	"ja": "ja",
	"bn": "bn",
	"de": "de",
	"it": "it",
	"pt": "pt",
	"ru": "ru",
	"zh": "zh-CN",
	"ko": "ko",
	"ar": "ar",
}

// GTTS drives gtts-cli, which produces MP3 through Google Translate's TTS
// endpoint.
type GTTS struct {
	Binary string
	Runner process.Runner
}

func NewGTTS(binary string) *GTTS {
	if binary == "" {
		binary = "gtts-cli"
	}
	return &GTTS{Binary: binary, Runner: process.NewExecRunner()}
}

func (g *GTTS) Name() string { return "gtts" }

func (g *GTTS) Synthesize(ctx context.Context, text string, locale language.Tag, outBase string) (Audio, error) {
	if err := checkText(g.Name(), locale, text); err != nil {
		return Audio{}, err
	}
	voice, ok := voiceFor(gttsVoices, locale)
	if !ok {
		return Audio{}, &Error{Engine: g.Name(), Locale: locale.String(), Err: ErrUnsupportedLocale}
	}

	path := outBase + ".mp3"
	cmd := process.Command{
		Name:  g.Binary,
		Args:  []string{"-", "--lang", voice, "--output", path},
		Stdin: strings.NewReader(text),
	}
	return render(ctx, g.Runner, g.Name(), locale, cmd, path, "audio/mpeg")
}
