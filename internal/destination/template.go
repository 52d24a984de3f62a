package destination

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/ligustah/csda/internal/stac"
)

// Default places files by product and day.
const Default = "csda/{product}/{datetime:%Y}/{datetime:%m}/{datetime:%d}"

// TemplateError reports a template that cannot be rendered.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("invalid destination %q: %s", e.Template, e.Reason)
}

// segment is either literal text or a placeholder. A placeholder with a
// nil layout renders its value verbatim.
type segment struct {
	literal string
	key     string
	layout  *strftime.Strftime
}

// Template renders a destination prefix from download link metadata.
type Template struct {
	raw      string
	segments []segment
}

// Parse compiles a destination template. Placeholders are {collection},
// {receiver}, {product}, {datetime} and {datetime:<strftime layout>}.
// Literal braces are written {{ and }}.
func Parse(s string) (*Template, error) {
	t := &Template{raw: s}
	var lit strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '}':
			return nil, &TemplateError{Template: s, Reason: fmt.Sprintf("unmatched '}' at offset %d", i)}
		case c == '{':
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				return nil, &TemplateError{Template: s, Reason: fmt.Sprintf("unterminated placeholder at offset %d", i)}
			}
			seg, err := parsePlaceholder(s, s[i+1:i+end])
			if err != nil {
				return nil, err
			}
			if lit.Len() > 0 {
				t.segments = append(t.segments, segment{literal: lit.String()})
				lit.Reset()
			}
			t.segments = append(t.segments, seg)
			i += end
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		t.segments = append(t.segments, segment{literal: lit.String()})
	}
	return t, nil
}

func parsePlaceholder(tmpl, body string) (segment, error) {
	key, layout, hasLayout := strings.Cut(body, ":")
	switch key {
	case "collection", "receiver", "product":
		if hasLayout {
			return segment{}, &TemplateError{Template: tmpl, Reason: fmt.Sprintf("{%s} does not take a format", key)}
		}
		return segment{key: key}, nil
	case "datetime":
		if !hasLayout {
			return segment{key: key}, nil
		}
		f, err := strftime.New(layout)
		if err != nil {
			return segment{}, &TemplateError{Template: tmpl, Reason: fmt.Sprintf("datetime format %q: %v", layout, err)}
		}
		return segment{key: key, layout: f}, nil
	default:
		return segment{}, &TemplateError{Template: tmpl, Reason: fmt.Sprintf("unknown key {%s}", key)}
	}
}

// Render substitutes the link metadata and returns a clean slash separated
// prefix without a leading slash.
func (t *Template) Render(link stac.DownloadLink) string {
	var b strings.Builder
	for _, seg := range t.segments {
		switch seg.key {
		case "":
			b.WriteString(seg.literal)
		case "collection":
			b.WriteString(link.Collection)
		case "receiver":
			b.WriteString(link.Receiver)
		case "product":
			b.WriteString(link.Product)
		case "datetime":
			dt := link.Datetime.UTC()
			if seg.layout != nil {
				b.WriteString(seg.layout.FormatString(dt))
			} else {
				b.WriteString(dt.Format(time.RFC3339))
			}
		}
	}

	p := path.Clean("/" + b.String())
	return strings.TrimPrefix(p, "/")
}

// Path returns the object key for link: the rendered prefix joined with the
// link's filename.
func (t *Template) Path(link stac.DownloadLink) string {
	return path.Join(t.Render(link), link.Filename)
}

func (t *Template) String() string {
	return t.raw
}
