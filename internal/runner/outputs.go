package runner

import (
	"bufio"
	"regexp"
	"strings"
)

var (
	outputLine = regexp.MustCompile(`^::output\s+([A-Za-z_][A-Za-z0-9_.-]*)=(.*)$`)
	// Azure-style logging command; only isOutput=true variables are outputs.
	vsoLine = regexp.MustCompile(`^##vso\[task\.setvariable\s+([^\]]*)\](.*)$`)
)

type publishedOutput struct {
	Name  string
	Value string
}

// parseOutputs extracts output declarations from captured step output in order.
func parseOutputs(text string) []publishedOutput {
	var outs []publishedOutput
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if m := outputLine.FindStringSubmatch(line); m != nil {
			outs = append(outs, publishedOutput{Name: m[1], Value: m[2]})
			continue
		}
		if m := vsoLine.FindStringSubmatch(line); m != nil {
			props := map[string]string{}
			for _, part := range strings.Split(m[1], ";") {
				k, v, _ := strings.Cut(strings.TrimSpace(part), "=")
				props[strings.ToLower(k)] = v
			}
			if props["variable"] != "" && strings.EqualFold(props["isoutput"], "true") {
				outs = append(outs, publishedOutput{Name: props["variable"], Value: m[2]})
			}
		}
	}
	return outs
}

// FormatOutput renders the line a step prints to publish an output.
func FormatOutput(name, value string) string {
	return "::output " + name + "=" + value
}
