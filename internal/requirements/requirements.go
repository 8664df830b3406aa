// Package requirements reads language dependency manifests.
//
// The format is the pip requirements file: one requirement per line, with
// blank lines, full-line and inline comments ignored, backslash line
// continuations joined, and option lines ("-r other.txt",
// "--index-url ...") kept verbatim. packd does not resolve requirements; it
// only needs to know whether a manifest declares anything and what it
// declares, so the dependency stage can be skipped or reported.
package requirements

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrMalformed = errors.New("malformed requirement")

// Requirement is one parsed manifest line.
type Requirement struct {
	Name       string // Distribution name, with extras if present (e.g. "uvicorn[standard]"). Empty for unnamed references.
	Constraint string // Version specifier (e.g. ">=1.2,<2"), or a URL or path for direct references.
	Markers    string // Environment marker after ";" (e.g. `python_version < "3.11"`).
	Line       int    // 1-based line number where the requirement starts.
}

// String formats the requirement in manifest syntax.
func (r Requirement) String() string {
	s, sep := r.Name+r.Constraint, "; "
	switch {
	case r.Name == "":
		s, sep = r.Constraint, " ; "
	case isReference(r.Constraint):
		s, sep = r.Name+" @ "+r.Constraint, " ; "
	}
	if r.Markers != "" {
		s += sep + r.Markers
	}
	return s
}

// Manifest is a parsed requirements file.
type Manifest struct {
	Requirements []Requirement
	Options      []string // Option lines such as "--extra-index-url https://...".
}

// Empty reports whether installing the manifest would be a no-op.
func (m *Manifest) Empty() bool {
	return len(m.Requirements) == 0 && len(m.Options) == 0
}

// ParseFile opens and parses the manifest at path.
func ParseFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a manifest from r.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	scanner := bufio.NewScanner(r)

	var (
		pending   strings.Builder
		startLine int
		lineNo    int
	)

	flush := func() error {
		line := strings.TrimSpace(pending.String())
		pending.Reset()
		if line == "" {
			return nil
		}
		if strings.HasPrefix(line, "-") {
			m.Options = append(m.Options, line)
			return nil
		}
		req, err := parseRequirement(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", startLine, err)
		}
		req.Line = startLine
		m.Requirements = append(m.Requirements, req)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())

		if pending.Len() == 0 {
			startLine = lineNo
		}

		if strings.HasSuffix(line, `\`) {
			pending.WriteString(strings.TrimSuffix(line, `\`))
			pending.WriteByte(' ')
			continue
		}

		pending.WriteString(line)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return m, nil
}

// Drops a "#" comment. A "#" only starts a comment at line start or after
// whitespace, so URL fragments like "pkg @ https://x/y.whl#sha256=..." survive.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' {
			continue
		}
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return strings.TrimRight(line, " \t")
}

func parseRequirement(line string) (Requirement, error) {
	var req Requirement

	// Bare URLs, VCS references, and local paths name no distribution; pip
	// takes the name from the archive or an "#egg=" fragment. Markers on
	// these lines must follow " ;" so ";" inside a URL is kept.
	if isReference(line) {
		spec, markers, _ := strings.Cut(line, " ;")
		req.Constraint = strings.TrimSpace(spec)
		req.Markers = strings.TrimSpace(markers)
		req.Name = eggName(req.Constraint)
		return req, nil
	}

	spec, markers, _ := strings.Cut(line, ";")
	req.Markers = strings.TrimSpace(markers)
	spec = strings.TrimSpace(spec)

	// Direct reference: "name @ url".
	if name, url, ok := strings.Cut(spec, "@"); ok && !strings.ContainsAny(name, "<>=!~") {
		req.Name = strings.ReplaceAll(strings.TrimSpace(name), " ", "")
		req.Constraint = strings.TrimSpace(url)
		if req.Name == "" || req.Constraint == "" || !validName(req.Name) {
			return req, fmt.Errorf("%w: %q", ErrMalformed, line)
		}
		return req, nil
	}

	name, rest := splitName(spec)
	req.Name = name
	req.Constraint = strings.ReplaceAll(strings.TrimSpace(rest), " ", "")

	if !validName(req.Name) {
		return req, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	if req.Constraint != "" && !strings.ContainsAny(req.Constraint[:1], "<>=!~(") {
		return req, fmt.Errorf("%w: unexpected %q after %q", ErrMalformed, req.Constraint, req.Name)
	}
	return req, nil
}

// Reports whether the line is a direct reference without a name.
func isReference(line string) bool {
	for _, prefix := range []string{"./", "../", "/", "~/", "git+", "hg+", "svn+", "bzr+", "file:"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	scheme, _, ok := strings.Cut(line, "://")
	return ok && scheme != "" && !strings.ContainsAny(scheme, " <>=!~;[@")
}

// Returns the project name from a "#egg=name" URL fragment.
func eggName(ref string) string {
	_, fragment, ok := strings.Cut(ref, "#")
	if !ok {
		return ""
	}
	for _, part := range strings.Split(fragment, "&") {
		if name, ok := strings.CutPrefix(part, "egg="); ok {
			return name
		}
	}
	return ""
}

// Splits a requirement into the distribution name with its extras and the
// remaining version specifier. Whitespace is allowed before the extras.
func splitName(s string) (string, string) {
	i := 0
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	name, rest := s[:i], s[i:]

	trimmed := strings.TrimLeft(rest, " \t")
	if strings.HasPrefix(trimmed, "[") {
		if j := strings.IndexByte(trimmed, ']'); j >= 0 {
			return name + strings.ReplaceAll(trimmed[:j+1], " ", ""), trimmed[j+1:]
		}
	}
	return name, rest
}

func isNameByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-', b == '_', b == '.':
		return true
	}
	return false
}

func validName(name string) bool {
	base, _, _ := strings.Cut(name, "[")
	if base == "" {
		return false
	}
	for i := 0; i < len(base); i++ {
		if !isNameByte(base[i]) {
			return false
		}
	}
	return true
}
