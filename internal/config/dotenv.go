package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv loads environment variables from .env-like files and returns the
// files that were applied. Existing process variables keep precedence, and
// ${NAME} references in unquoted or double-quoted values are expanded.
func LoadDotEnv(paths ...string) ([]string, error) {
	loaded := make([]string, 0, len(paths))
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if err := loadDotEnvFile(trimmed); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return loaded, err
		}
		loaded = append(loaded, trimmed)
	}
	return loaded, nil
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("parse %s line %d: missing '='", path, lineNumber)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("parse %s line %d: empty key", path, lineNumber)
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, parseDotEnvValue(value))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func parseDotEnvValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	quote := trimmed[0]
	if (quote == '"' || quote == '\'') && len(trimmed) >= 2 && trimmed[len(trimmed)-1] == quote {
		unquoted := trimmed[1 : len(trimmed)-1]
		if quote == '\'' {
			return unquoted
		}
		replacer := strings.NewReplacer(
			`\\`, `\`,
			`\n`, "\n",
			`\t`, "\t",
			`\"`, `"`,
		)
		return expand(replacer.Replace(unquoted))
	}

	// VALUE # comment
	if index := strings.Index(trimmed, " #"); index >= 0 {
		trimmed = strings.TrimSpace(trimmed[:index])
	}
	return expand(trimmed)
}

// expand only rewrites the braced ${NAME} form so values such as passwords
// containing a bare '$' survive untouched.
func expand(value string) string {
	var out strings.Builder
	for {
		start := strings.Index(value, "${")
		if start < 0 {
			out.WriteString(value)
			return out.String()
		}
		end := strings.Index(value[start:], "}")
		if end < 0 {
			out.WriteString(value)
			return out.String()
		}
		out.WriteString(value[:start])
		out.WriteString(os.Getenv(value[start+2 : start+end]))
		value = value[start+end+1:]
	}
}
