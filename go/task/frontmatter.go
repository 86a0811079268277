package task

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/assadsharif/fte/go/fault"
)

var delimiter = []byte("---\n")

// SplitFrontmatter separates a markdown file into its YAML frontmatter
// block and body. The file must begin with a `---` line and contain a
// closing `---` line; anything else is a validation failure. The
// returned block excludes the delimiters.
func SplitFrontmatter(data []byte) (block []byte, body string, err error) {
	if !bytes.HasPrefix(data, delimiter) {
		return nil, "", fmt.Errorf("missing opening frontmatter delimiter: %w", fault.ErrValidation)
	}
	var rest = data[len(delimiter):]

	var end = -1
	if bytes.HasPrefix(rest, []byte("---")) && closesBlock(rest) {
		end = 0
	} else if i := bytes.Index(rest, []byte("\n---")); i >= 0 && closesBlock(rest[i+1:]) {
		end = i + 1
	}
	if end < 0 {
		return nil, "", fmt.Errorf("missing closing frontmatter delimiter: %w", fault.ErrValidation)
	}

	block = rest[:end]
	var after = rest[end+3:] // step over "---"
	if len(after) > 0 && after[0] == '\r' {
		after = after[1:]
	}
	if len(after) > 0 && after[0] == '\n' {
		after = after[1:]
	}
	return block, string(after), nil
}

// closesBlock reports whether |b| starts with a bare `---` line.
func closesBlock(b []byte) bool {
	if !bytes.HasPrefix(b, []byte("---")) {
		return false
	}
	var rest = b[3:]
	return len(rest) == 0 || rest[0] == '\n' || rest[0] == '\r'
}

// PeekState extracts just the state field from a frontmatter block,
// tolerating frontmatter that would fail full validation. Used by crash
// recovery, which must inspect files it cannot yet trust.
func PeekState(block []byte) string {
	var probe struct {
		State string `yaml:"state"`
	}
	if err := yaml.Unmarshal(block, &probe); err != nil {
		return ""
	}
	return probe.State
}

// JoinFrontmatter is the inverse of SplitFrontmatter: it wraps |block|
// in delimiters and appends |body| with a guaranteed trailing newline.
func JoinFrontmatter(block []byte, body string) []byte {
	var out bytes.Buffer
	out.Write(delimiter)
	out.Write(block)
	if len(block) > 0 && block[len(block)-1] != '\n' {
		out.WriteByte('\n')
	}
	out.Write(delimiter)
	out.WriteString(body)
	if body != "" && body[len(body)-1] != '\n' {
		out.WriteByte('\n')
	}
	return out.Bytes()
}
