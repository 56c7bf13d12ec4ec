// Package statusparser parses the kernel RBD status file -- a
// line-oriented text format -- into a rbdmodel.StatusView. The parser
// is pure and total: malformed blocks do not abort the parse, they
// simply contribute whatever matched.
package statusparser

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/loopholelabs/rbdbroker/internal/rbdmodel"
)

var (
	versionRe = regexp.MustCompile(`version:\s*(\S+)`)
	deviceRe  = regexp.MustCompile(`^\s*(\d+):\s+(.*)$`)
	syncedRe  = regexp.MustCompile(`sync'ed:\s*([\d.]+)%`)
	finishRe  = regexp.MustCompile(`finish:\s*(\S+)`)
)

// Parse reads lines from r and returns the structured view. It never
// returns an error for malformed input; a read error from r is the only
// thing that can be returned.
func Parse(r io.Reader) (rbdmodel.StatusView, error) {
	view := rbdmodel.NewStatusView()

	scanner := bufio.NewScanner(r)

	lineNo := 0
	var (
		curMinor int
		curAttrs map[string]string
		inBlock  bool
	)

	emit := func() {
		if inBlock {
			view.Devices[curMinor] = curAttrs
			inBlock = false
		}
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		switch lineNo {
		case 1:
			if m := versionRe.FindStringSubmatch(line); m != nil {
				view.Version = m[1]
			}
			continue
		case 2:
			// Hash/build banner line -- intentionally skipped.
			continue
		}

		if m := deviceRe.FindStringSubmatch(line); m != nil {
			emit()

			minor, err := strconv.Atoi(m[1])
			if err != nil {
				// Shouldn't happen given the regexp, but a malformed
				// block must not abort the parse.
				continue
			}

			curMinor = minor
			curAttrs = parseAttrs(m[2])
			inBlock = true

			continue
		}

		if !inBlock {
			continue
		}

		if m := syncedRe.FindStringSubmatch(line); m != nil {
			curAttrs["progress"] = m[1]
			continue
		}

		if m := finishRe.FindStringSubmatch(line); m != nil {
			curAttrs["finish"] = m[1]
			continue
		}

		// Any other line inside a block is ignored.
	}

	emit()

	if err := scanner.Err(); err != nil {
		return view, err
	}

	return view, nil
}

// parseAttrs splits a block's opening-line tail into whitespace
// separated key:value tokens.
func parseAttrs(tail string) map[string]string {
	attrs := map[string]string{}

	for _, tok := range strings.Fields(tail) {
		key, value, found := strings.Cut(tok, ":")
		if !found {
			continue
		}
		attrs[key] = value
	}

	return attrs
}
