// ghadapter runs a command that prints a JSON object, exports every field as a
// GitHub Actions step output and, when MIN_MATCH_PERCENTAGE is set, fails if the
// reported matchPercentage is below it.
//
//	ghadapter diff baseline.png target.png
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"unicode"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: ghadapter COMMAND [ARGS...]")
		os.Exit(1)
	}

	cmd := exec.Command(os.Args[1], os.Args[2:]...)
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr

	output, err := cmd.Output()
	if err != nil {
		os.Exit(1)
	}
	_, _ = os.Stdout.Write(output)

	result, err := parseOutput(output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse command output: %v\n", err)
		os.Exit(1)
	}

	if githubOutput := os.Getenv("GITHUB_OUTPUT"); githubOutput != "" {
		f, err := os.OpenFile(githubOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open GITHUB_OUTPUT: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		if err := writeOutputs(f, result); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write outputs: %v\n", err)
			os.Exit(1)
		}
	}

	if err := checkMatch(result, os.Getenv("MIN_MATCH_PERCENTAGE")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseOutput keeps numbers as json.Number so that large counts are written
// without exponent notation.
func parseOutput(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var result map[string]any
	if err := decoder.Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

func writeOutputs(w io.Writer, result map[string]any) error {
	for key, value := range result {
		if _, err := fmt.Fprintf(w, "%s=%v\n", snakeCase(key), value); err != nil {
			return err
		}
	}
	return nil
}

func checkMatch(result map[string]any, minimum string) error {
	if minimum == "" {
		return nil
	}
	threshold, err := strconv.ParseFloat(minimum, 64)
	if err != nil {
		return fmt.Errorf("invalid MIN_MATCH_PERCENTAGE %q: %w", minimum, err)
	}
	number, ok := result["matchPercentage"].(json.Number)
	if !ok {
		return fmt.Errorf("output has no matchPercentage")
	}
	match, err := number.Float64()
	if err != nil {
		return fmt.Errorf("invalid matchPercentage %q: %w", number, err)
	}
	if match < threshold {
		return fmt.Errorf("match percentage %.4f is below %.4f", match, threshold)
	}
	return nil
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
