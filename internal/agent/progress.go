package agent

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Fixed checkpoints of an execution. Container progress is scaled between
// PercentRunning and PercentUploading.
const (
	PercentDownloading = 10.0
	PercentValidating  = 20.0
	PercentRunning     = 30.0
	PercentUploading   = 80.0
	PercentCompleted   = 100.0

	StepDownloading = "Downloading input files"
	StepValidating  = "Validating input files"
	StepRunning     = "Running gRINN analysis"
	StepUploading   = "Uploading results"
	StepCompleted   = "Job completed"

	maxStepBytes = 200
)

var (
	rePercent    = regexp.MustCompile(`(\d{1,3})%`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

var stepKeywords = []string{"starting", "processing", "analyzing", "computing", "writing"}

// ProgressUpdate is what one line of container output says about progress.
// Percent is nil when the line names a step without a figure.
type ProgressUpdate struct {
	Percent *float64
	Step    string
}

// ParseProgress recognizes "progress NN%" lines and lines announcing a step.
// Percentages are mapped onto the running window of the overall job.
func ParseProgress(line string) (ProgressUpdate, bool) {
	lower := strings.ToLower(line)
	step := normalizeStep(line)
	if step == "" {
		return ProgressUpdate{}, false
	}

	if strings.Contains(lower, "progress") {
		u := ProgressUpdate{Step: step}
		if m := rePercent.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				pct := scaleContainerPercent(n)
				u.Percent = &pct
			}
		}
		return u, true
	}
	for _, kw := range stepKeywords {
		if strings.Contains(lower, kw) {
			return ProgressUpdate{Step: step}, true
		}
	}
	return ProgressUpdate{}, false
}

func scaleContainerPercent(n int) float64 {
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return PercentRunning + float64(n)*(PercentUploading-PercentRunning)/100
}

func normalizeStep(line string) string {
	line = reWhitespace.ReplaceAllString(line, " ")
	return truncateString(strings.TrimSpace(line), maxStepBytes)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
