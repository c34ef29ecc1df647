// Package sqlscript splits the embedded schema files shared by the SQL store
// adapters into individually executable statements.
package sqlscript

import "strings"

// Statements splits script on semicolons, dropping "--" comment lines and
// empty chunks. Semicolons inside string literals are not supported.
func Statements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
