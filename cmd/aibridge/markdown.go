package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// renderMarkdown turns a completed reply into terminal text. Block layout is
// kept and inline markup becomes ANSI styling, so with colors off the result
// is the reply with its markdown syntax stripped.
func renderMarkdown(src string) string {
	source := []byte(src)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	r := termRenderer{source: source}
	var sb strings.Builder
	r.blocks(&sb, doc)
	return strings.TrimRight(sb.String(), "\n")
}

type termRenderer struct {
	source []byte
}

// blocks writes each block child of parent on its own lines. Top-level
// blocks are separated by a blank line.
func (r termRenderer) blocks(sb *strings.Builder, parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		if parent.Kind() == ast.KindDocument && n.PreviousSibling() != nil {
			sb.WriteString("\n")
		}
		r.block(sb, n)
	}
}

func (r termRenderer) block(sb *strings.Builder, n ast.Node) {
	switch n := n.(type) {
	case *ast.Heading:
		sb.WriteString(colorize(color.Bold, r.inline(n)))
		sb.WriteString("\n")

	case *ast.Paragraph, *ast.TextBlock:
		sb.WriteString(r.inline(n))
		sb.WriteString("\n")

	case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			line := strings.TrimRight(string(seg.Value(r.source)), "\n")
			sb.WriteString("  ")
			sb.WriteString(colorize(color.FgYellow, line))
			sb.WriteString("\n")
		}

	case *ast.List:
		num := n.Start
		if num == 0 {
			num = 1
		}
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			marker, pad := "• ", "  "
			if n.IsOrdered() {
				marker = fmt.Sprintf("%d. ", num)
				pad = strings.Repeat(" ", len(marker))
				num++
			}
			var body strings.Builder
			r.blocks(&body, item)
			prefixLines(sb, body.String(), marker, pad)
		}

	case *ast.Blockquote:
		var body strings.Builder
		r.blocks(&body, n)
		bar := colorize(color.Faint, "│ ")
		prefixLines(sb, body.String(), bar, bar)

	case *ast.ThematicBreak:
		sb.WriteString(colorize(color.Faint, strings.Repeat("─", 40)))
		sb.WriteString("\n")

	default:
		if n.Type() == ast.TypeBlock && n.FirstChild() != nil && n.FirstChild().Type() == ast.TypeBlock {
			r.blocks(sb, n)
			return
		}
		sb.WriteString(r.inline(n))
		sb.WriteString("\n")
	}
}

func (r termRenderer) inline(parent ast.Node) string {
	var sb strings.Builder
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch n := n.(type) {
		case *ast.Text:
			sb.Write(n.Segment.Value(r.source))
			if n.SoftLineBreak() || n.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.String:
			sb.Write(n.Value)
		case *ast.CodeSpan:
			sb.WriteString(colorize(color.FgYellow, r.inline(n)))
		case *ast.Emphasis:
			attr := color.Italic
			if n.Level >= 2 {
				attr = color.Bold
			}
			sb.WriteString(colorize(attr, r.inline(n)))
		case *ast.Link:
			label := r.inline(n)
			sb.WriteString(colorize(color.Underline, label))
			if dest := string(n.Destination); dest != "" && dest != label {
				sb.WriteString(colorize(color.Faint, " ("+dest+")"))
			}
		case *ast.AutoLink:
			sb.WriteString(colorize(color.Underline, string(n.URL(r.source))))
		case *ast.Image:
			sb.WriteString(r.inline(n))
			sb.WriteString(colorize(color.Faint, " ("+string(n.Destination)+")"))
		case *ast.RawHTML:
			for i := 0; i < n.Segments.Len(); i++ {
				seg := n.Segments.At(i)
				sb.Write(seg.Value(r.source))
			}
		default:
			sb.WriteString(r.inline(n))
		}
	}
	return sb.String()
}

// prefixLines writes body with first before its first line and rest before
// every following line.
func prefixLines(sb *strings.Builder, body, first, rest string) {
	for i, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		if i == 0 {
			sb.WriteString(first)
		} else {
			sb.WriteString(rest)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}
