package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Languages known to the settings screen, keyed by tesseract code.
var Languages = map[string]string{
	"chi_sim": "Chinese (Simplified)",
	"chi_tra": "Chinese (Traditional/Cantonese)",
	"nld":     "Dutch",
	"eng":     "English",
	"fra":     "French",
	"deu":     "German",
	"pol":     "Polish",
	"por":     "Portuguese",
}

var languageArg = regexp.MustCompile(`^[a-zA-Z0-9_+]+$`)

// OCRPreferences are the user-facing toggles that produce tool flags.
type OCRPreferences struct {
	Languages    []string `json:"languages"`
	OutputPDFA   bool     `json:"output_pdfa"`
	RotatePages  bool     `json:"rotate_pages"`
	Deskew       bool     `json:"deskew"`
	ForceOCR     bool     `json:"force_ocr"`
	Clean        bool     `json:"clean"`
	Compress     bool     `json:"compress"`
	OutputFolder string   `json:"output_folder,omitempty"`
}

func DefaultPreferences() OCRPreferences {
	return OCRPreferences{
		Languages:   []string{"eng", "deu"},
		OutputPDFA:  true,
		RotatePages: true,
		Deskew:      true,
		ForceOCR:    true,
		Clean:       true,
	}
}

// Validate rejects language codes that could smuggle extra arguments.
func (p OCRPreferences) Validate() error {
	for _, lang := range p.Languages {
		if !languageArg.MatchString(lang) {
			return fmt.Errorf("%w: language %q", ErrInvalidPreferences, lang)
		}
	}
	if p.OutputFolder != "" && !filepath.IsAbs(p.OutputFolder) {
		return fmt.Errorf("%w: output folder %q must be absolute", ErrInvalidPreferences, p.OutputFolder)
	}
	return nil
}

// Flags renders the preferences in the order ocrmypdf expects them.
func (p OCRPreferences) Flags() []string {
	var args []string
	if len(p.Languages) > 0 {
		joined := strings.Join(p.Languages, "+")
		if languageArg.MatchString(joined) {
			args = append(args, "-l", joined)
		}
	}
	if !p.OutputPDFA {
		args = append(args, "--output-type", "pdf")
	}
	if p.RotatePages {
		args = append(args, "--rotate-pages")
	}
	if p.Deskew {
		args = append(args, "--deskew")
	}
	if p.ForceOCR {
		args = append(args, "--force-ocr")
	}
	if p.Clean {
		args = append(args, "--clean")
	}
	if p.Compress {
		args = append(args, "--optimize", "2")
	}
	return args
}

// TargetPath derives "<folder>/<name> ocr<ext>" for an input file.
// Without an output folder the result lands next to the input.
func (p OCRPreferences) TargetPath(input string) string {
	ext := filepath.Ext(input)
	name := strings.TrimSuffix(filepath.Base(input), ext)
	dir := p.OutputFolder
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, name+" ocr"+ext)
}

// Request builds a JobRequest for input using these preferences.
func (p OCRPreferences) Request(input string) JobRequest {
	return JobRequest{
		InputPath:  input,
		OutputPath: p.TargetPath(input),
		Flags:      p.Flags(),
	}
}
