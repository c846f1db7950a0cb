package ocr

import "context"

const (
	AsianConfidence       = 0.8
	ArabicJSONConfidence  = 0.85
	ArabicCleanConfidence = 0.75
)

// DefaultAsianLanguages is used when a request carries no language list.
var DefaultAsianLanguages = []string{"ch_sim", "en"}

// Command is an external program invocation template.
type Command struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
}

func (c Command) orDefault(def Command) Command {
	if c.Binary == "" {
		c.Binary = def.Binary
	}
	if len(c.Args) == 0 {
		c.Args = def.Args
	}
	return c
}

var (
	DefaultAsianCommand = Command{
		Binary: "easyocr",
		Args:   []string{"-l", "{langs}", "-f", "{image}", "--detail", "0", "--output_format", "json"},
	}
	DefaultArabicJSONCommand = Command{
		Binary: "paddleocr",
		Args:   []string{"ocr", "-i", "{image}", "--lang", "ar", "--format", "json"},
	}
	DefaultArabicTesseractCommand = Command{
		Binary: "tesseract",
		Args:   []string{"{image}", "stdout", "-l", "ara+eng", "tsv"},
	}
	DefaultArabicCleanupCommand = Command{
		Binary: "easyocr",
		Args:   []string{"-l", "ar", "-f", "{image}", "--detail", "0"},
	}
)

type asianEngine struct {
	*ProcessEngine
}

// NewAsianEngine builds the Asian-script adapter. The engine reports no
// confidence, so a fixed value is used.
func NewAsianEngine(cmd Command, runner Runner) Engine {
	cmd = cmd.orDefault(DefaultAsianCommand)
	return &asianEngine{NewProcessEngine("asian", cmd.Binary, cmd.Args, runner, ParseFragmentsOrRaw(AsianConfidence))}
}

func (e *asianEngine) Recognize(ctx context.Context, imagePath string, languages []string) Output {
	if len(languages) == 0 {
		languages = DefaultAsianLanguages
	}
	return e.ProcessEngine.Recognize(ctx, imagePath, languages)
}

// ArabicCommands configures the three Arabic stages.
type ArabicCommands struct {
	JSON      Command `yaml:"json"`
	Tesseract Command `yaml:"tesseract"`
	Cleanup   Command `yaml:"cleanup"`
}

// NewArabicCascade returns the Arabic stages in strict order: a JSON engine,
// tesseract for mixed Arabic and Latin, then an engine whose output is
// stripped of bidi controls.
func NewArabicCascade(cmds ArabicCommands, runner Runner) *Cascade {
	j := cmds.JSON.orDefault(DefaultArabicJSONCommand)
	t := cmds.Tesseract.orDefault(DefaultArabicTesseractCommand)
	c := cmds.Cleanup.orDefault(DefaultArabicCleanupCommand)
	return NewCascade("arabic",
		NewProcessEngine("arabic-json", j.Binary, j.Args, runner, ParseFragments(ArabicJSONConfidence)),
		NewProcessEngine("arabic-tesseract", t.Binary, t.Args, runner, ParseTesseractTSV),
		NewProcessEngine("arabic-cleanup", c.Binary, c.Args, runner, ParseCleaned(ArabicCleanConfidence)),
	)
}
