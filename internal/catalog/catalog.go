// Package catalog parses the model catalog file ("models.txt") and exposes
// per-model dimension and autoload metadata.
//
// Line format: "<name> <dimension> <autoload>", whitespace separated.
// Comment lines are skipped silently; malformed lines are skipped with a
// logged warning rather than aborting the parse.
package catalog

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Entry describes one model line from the catalog file.
type Entry struct {
	Name      string
	Dimension int
	Autoload  bool
}

// Catalog is an immutable, parsed model catalog.
type Catalog struct {
	entries map[string]Entry
}

// Parse reads a catalog file from r. Blank and comment lines are skipped
// silently; a comment line is any line whose first non-whitespace byte is
// '#'. Malformed lines are skipped and logged at warn level via log.
func Parse(r io.Reader, log zerolog.Logger) (*Catalog, error) {
	entries := make(map[string]Entry)

	scanner := bufio.NewScanner(r)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			log.Warn().Int("line", lineNo).Str("text", line).Msg("catalog: malformed line, skipping")
			continue
		}

		dim, err := strconv.Atoi(fields[1])
		if err != nil || dim <= 0 {
			log.Warn().Int("line", lineNo).Str("text", line).Msg("catalog: bad dimension, skipping")
			continue
		}

		entries[fields[0]] = Entry{
			Name:      fields[0],
			Dimension: dim,
			Autoload:  fields[2] != "0",
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("catalog: scan: %w", err)
	}

	return &Catalog{entries: entries}, nil
}

// Dimension returns the dimension D for a known model name.
func (c *Catalog) Dimension(modelName string) (int, bool) {
	e, ok := c.entries[modelName]
	return e.Dimension, ok
}

// Autoload reports whether a known model is flagged for autoload at boot.
func (c *Catalog) Autoload(modelName string) (bool, bool) {
	e, ok := c.entries[modelName]
	return e.Autoload, ok
}

// Names returns every model name in the catalog, in no particular order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}

	return names
}

// AutoloadNames returns the names of every model flagged for autoload.
func (c *Catalog) AutoloadNames() []string {
	names := make([]string, 0, len(c.entries))

	for name, e := range c.entries {
		if e.Autoload {
			names = append(names, name)
		}
	}

	return names
}

// Known reports whether modelName is registered in the catalog at all.
func (c *Catalog) Known(modelName string) bool {
	_, ok := c.entries[modelName]
	return ok
}
