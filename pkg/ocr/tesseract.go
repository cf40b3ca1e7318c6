package ocr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sipeed/ocrvoice/pkg/logger"
	"github.com/sipeed/ocrvoice/pkg/process"
)

// TesseractCLI runs the tesseract binary and reads text from stdout.
type TesseractCLI struct {
	Binary      string
	TessdataDir string
	PageSegMode int
	Runner      process.Runner
}

func NewTesseractCLI(binary, tessdataDir string, psm int) *TesseractCLI {
	if binary == "" {
		binary = "tesseract"
	}
	return &TesseractCLI{
		Binary:      binary,
		TessdataDir: tessdataDir,
		PageSegMode: psm,
		Runner:      process.NewExecRunner(),
	}
}

func (t *TesseractCLI) Name() string { return "tesseract" }

func (t *TesseractCLI) args(imagePath string, hints []string) []string {
	args := []string{imagePath, "stdout", "-l", strings.Join(hintsOrDefault(hints), "+")}
	if t.PageSegMode > 0 {
		args = append(args, "--psm", strconv.Itoa(t.PageSegMode))
	}
	if t.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.TessdataDir)
	}
	return args
}

func (t *TesseractCLI) Recognize(ctx context.Context, imagePath string, hints []string) (string, error) {
	input, err := PrepareImage(imagePath)
	if err != nil {
		return "", &Error{Engine: t.Name(), Err: err}
	}

	cmd := process.Command{Name: t.Binary, Args: t.args(input, hints)}
	logger.DebugCF("ocr", "Running tesseract", map[string]interface{}{
		"command": cmd.String(),
	})

	res, err := t.Runner.Run(ctx, cmd)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &Error{Engine: t.Name(), Err: fmt.Errorf("timed out: %w", err)}
		}
		return "", &Error{Engine: t.Name(), Err: err}
	}
	return Normalize(res.Stdout), nil
}
