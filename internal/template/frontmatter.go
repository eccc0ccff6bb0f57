package template

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"
)

// Frontmatter holds the metadata fields read from a root markdown file.
type Frontmatter struct {
	Name        string
	Description string
	Tags        []string
}

// ParseFrontmatter extracts the YAML frontmatter of content and returns it
// with the markdown body. Content without frontmatter yields an empty
// Frontmatter and the whole content as body.
func ParseFrontmatter(content []byte) (Frontmatter, string, error) {
	fmText, body, ok := splitFrontmatter(string(content))
	if !ok {
		return Frontmatter{}, string(content), nil
	}

	md := goldmark.New(goldmark.WithExtensions(meta.Meta))
	var buf bytes.Buffer
	pctx := parser.NewContext()
	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return Frontmatter{}, "", errors.Wrap(err, "failed to parse markdown")
	}
	raw, err := meta.TryGet(pctx)
	if err != nil {
		return Frontmatter{}, "", errors.Wrap(err, "invalid frontmatter")
	}

	// goldmark-meta decodes YAML 1.1, where "no" or "on" are booleans; take
	// name and description as the literal scalar text instead.
	mapping, _ := parseMapping(fmText)
	fm := Frontmatter{
		Name:        strings.TrimSpace(scalarField(mapping, raw, "name")),
		Description: strings.TrimSpace(scalarField(mapping, raw, "description")),
		Tags:        listField(raw, "tags"),
	}
	if len(fm.Tags) == 0 {
		fm.Tags = listField(raw, "keywords")
	}
	return fm, body, nil
}

// RewriteFrontmatter sets name and description in the frontmatter of content,
// keeping the other keys and their order. A frontmatter block is added when
// content has none.
func RewriteFrontmatter(content []byte, name, description string) ([]byte, error) {
	fmText, body, ok := splitFrontmatter(string(content))
	if !ok {
		body = string(content)
	}

	mapping, err := parseMapping(fmText)
	if err != nil {
		return nil, err
	}
	setScalar(mapping, "name", name)
	setScalar(mapping, "description", description)
	return encodeFrontmatter(mapping, body)
}

// StampVersion sets metadata.version in the frontmatter of content so an
// installed copy records the registry version it came from. Other metadata
// keys are kept.
func StampVersion(content []byte, version string) ([]byte, error) {
	fmText, body, ok := splitFrontmatter(string(content))
	if !ok {
		body = string(content)
	}
	mapping, err := parseMapping(fmText)
	if err != nil {
		return nil, err
	}
	md := mappingField(mapping, "metadata")
	if md == nil {
		md = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		setNode(mapping, "metadata", md)
	}
	setScalar(md, "version", version)
	return encodeFrontmatter(mapping, body)
}

// parseMapping decodes frontmatter text into its top-level mapping node. Empty
// text or a non-mapping document yields an empty mapping.
func parseMapping(fmText string) (*yaml.Node, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if strings.TrimSpace(fmText) == "" {
		return mapping, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(fmText), &doc); err != nil {
		return nil, errors.Wrap(err, "invalid frontmatter")
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) == 1 && doc.Content[0].Kind == yaml.MappingNode {
		mapping = doc.Content[0]
	}
	return mapping, nil
}

func encodeFrontmatter(mapping *yaml.Node, body string) ([]byte, error) {
	out, err := yaml.Marshal(mapping)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frontmatter")
	}
	return []byte(fmt.Sprintf("---\n%s---\n%s", out, body)), nil
}

// splitFrontmatter splits content at the closing "---" line of a leading
// frontmatter block.
func splitFrontmatter(content string) (string, string, bool) {
	s := strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(s, "---") {
		return "", content, false
	}
	lines := strings.SplitAfter(s, "\n")
	if strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			fm := strings.Join(lines[1:i], "")
			body := strings.TrimLeft(strings.Join(lines[i+1:], ""), "\n")
			return fm, body, true
		}
	}
	return "", content, false
}

// inferDescriptionFromBody returns the first non-heading line of the body.
func inferDescriptionFromBody(body string) string {
	for _, ln := range strings.Split(body, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" || strings.HasPrefix(ln, "#") {
			continue
		}
		return ln
	}
	return ""
}

// scalarField prefers the literal text of a scalar in mapping and falls back
// to the decoded value in raw.
func scalarField(mapping *yaml.Node, raw map[string]any, key string) string {
	if mapping != nil {
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			if mapping.Content[i].Value == key && mapping.Content[i+1].Kind == yaml.ScalarNode {
				if mapping.Content[i+1].Tag == "!!null" {
					return ""
				}
				return mapping.Content[i+1].Value
			}
		}
	}
	return stringField(raw, key)
}

// stringField renders any decoded scalar as text.
func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v)
	}
	return ""
}

func mappingField(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key && mapping.Content[i+1].Kind == yaml.MappingNode {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// listField accepts either a YAML sequence or a comma separated string.
func listField(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case string:
		return NormalizeTags(strings.Split(v, ","))
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return NormalizeTags(out)
	}
	return nil
}

// setScalar writes value double-quoted so YAML 1.1 readers never see "no",
// "on" or "1.0" as anything but a string.
func setScalar(mapping *yaml.Node, key, value string) {
	setNode(mapping, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value, Style: yaml.DoubleQuotedStyle})
}

func setNode(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}
