// Package speech renders text to an audio file with a local TTS engine.
package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/text/language"

	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/process"
)

// ErrUnsupportedLocale is wrapped by *Error when the engine has no voice
// for the requested locale.
var ErrUnsupportedLocale = errors.New("unsupported locale")

// Audio is a synthesized file owned by the job that requested it.
type Audio struct {
	Path     string
	MIMEType string
	Engine   string
}

// Synthesizer writes speech for text to outBase plus an engine specific
// extension.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string, locale language.Tag, outBase string) (Audio, error)
}

type Error struct {
	Engine string
	Locale string
	Err    error
}

func (e *Error) Error() string {
	if e.Locale != "" {
		return fmt.Sprintf("speech %s (%s): %v", e.Engine, e.Locale, e.Err)
	}
	return fmt.Sprintf("speech %s: %v", e.Engine, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds the synthesizer named by engine ("gtts" or "espeak").
func New(engine, gttsPath, espeakPath string) (Synthesizer, bool) {
	switch engine {
	case "gtts":
		return NewGTTS(gttsPath), true
	case "espeak":
		return NewESpeak(espeakPath), true
	}
	return nil, false
}

// voiceFor picks the engine voice for locale: an exact match first, then
// the base language.
func voiceFor(voices map[string]string, locale language.Tag) (string, bool) {
	if v, ok := voices[strings.ToLower(locale.String())]; ok {
		return v, true
	}
	base, _ := locale.Base()
	v, ok := voices[base.String()]
	return v, ok
}

// render runs cmd, which must write path, and checks the result.
func render(ctx context.Context, runner process.Runner, engine string, locale language.Tag, cmd process.Command, path, mime string) (Audio, error) {
	logger.DebugCF("speech", "Running synthesizer", map[string]interface{}{
		"engine":  engine,
		"locale":  locale.String(),
		"command": cmd.String(),
	})

	fail := func(err error) (Audio, error) {
		_ = os.Remove(path)
		return Audio{}, &Error{Engine: engine, Locale: locale.String(), Err: err}
	}

	if _, err := runner.Run(ctx, cmd); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(fmt.Errorf("timed out: %w", err))
		}
		return fail(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fail(fmt.Errorf("no output file: %w", err))
	}
	if info.Size() == 0 {
		return fail(errors.New("empty output file"))
	}
	return Audio{Path: path, MIMEType: mime, Engine: engine}, nil
}

func checkText(engine string, locale language.Tag, text string) error {
	if strings.TrimSpace(text) == "" {
		return &Error{Engine: engine, Locale: locale.String(), Err: errors.New("empty text")}
	}
	return nil
}
