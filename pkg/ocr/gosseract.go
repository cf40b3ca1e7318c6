package ocr

import (
	"context"
	"fmt"
	"os"

	"github.com/otiai10/gosseract/v2"
)

// Gosseract recognizes text in-process through libtesseract.
//
// A cancelled context returns immediately but the cgo call keeps running
// until tesseract finishes; its client is closed afterwards.
type Gosseract struct {
	TessdataDir string
	PageSegMode int
	newClient   func() *gosseract.Client
}

func NewGosseract(tessdataDir string, psm int) *Gosseract {
	return &Gosseract{
		TessdataDir: tessdataDir,
		PageSegMode: psm,
		newClient:   gosseract.NewClient,
	}
}

func (g *Gosseract) Name() string { return "gosseract" }

type gosseractResult struct {
	text string
	err  error
}

func (g *Gosseract) Recognize(ctx context.Context, imagePath string, hints []string) (string, error) {
	input, err := PrepareImage(imagePath)
	if err != nil {
		return "", &Error{Engine: g.Name(), Err: err}
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return "", &Error{Engine: g.Name(), Err: err}
	}

	done := make(chan gosseractResult, 1)
	go func() {
		text, err := g.recognize(data, hintsOrDefault(hints))
		done <- gosseractResult{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", &Error{Engine: g.Name(), Err: fmt.Errorf("timed out: %w", ctx.Err())}
	case res := <-done:
		if res.err != nil {
			return "", &Error{Engine: g.Name(), Err: res.err}
		}
		return Normalize(res.text), nil
	}
}

func (g *Gosseract) recognize(data []byte, langs []string) (string, error) {
	c := g.newClient()
	defer c.Close()

	if g.TessdataDir != "" {
		c.TessdataPrefix = g.TessdataDir
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	if err := c.SetLanguage(langs...); err != nil {
		return "", fmt.Errorf("set languages: %w", err)
	}
	if g.PageSegMode > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(g.PageSegMode)); err != nil {
			return "", fmt.Errorf("set page seg mode: %w", err)
		}
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}
