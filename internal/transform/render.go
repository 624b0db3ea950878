package transform

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// renderState accumulates side outputs (links, attachments) while walking
// the storage-format tree.
type renderState struct {
	opts        Options
	pageID      string
	attachments []string
	links       []string
	seenAttach  map[string]bool
	seenLinks   map[string]bool
}

func (st *renderState) noteAttachment(name string) {
	if st.seenAttach == nil {
		st.seenAttach = make(map[string]bool)
	}
	if name == "" || st.seenAttach[name] {
		return
	}
	st.seenAttach[name] = true
	st.attachments = append(st.attachments, name)
}

func (st *renderState) noteLink(pageID string) {
	if st.seenLinks == nil {
		st.seenLinks = make(map[string]bool)
	}
	if pageID == "" || st.seenLinks[pageID] {
		return
	}
	st.seenLinks[pageID] = true
	st.links = append(st.links, pageID)
}

// renderBlock writes one block-level node followed by a blank line.
func (st *renderState) renderBlock(w *strings.Builder, sel *goquery.Selection) {
	node := sel.Get(0)
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		text := strings.TrimSpace(node.Data)
		if text != "" {
			w.WriteString(text)
			w.WriteString("\n\n")
		}
		return
	}
	if node.Type != html.ElementNode {
		return
	}

	switch node.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		level := int(node.Data[1] - '0')
		fmt.Fprintf(w, "%s %s\n\n", strings.Repeat("#", level), st.inlineText(sel))
	case "p":
		text := st.inlineText(sel)
		if text != "" {
			w.WriteString(text)
			w.WriteString("\n\n")
		}
	case "ul":
		st.renderList(w, sel, false, 0)
		w.WriteString("\n")
	case "ol":
		st.renderList(w, sel, true, 0)
		w.WriteString("\n")
	case "table":
		st.renderTable(w, sel)
	case "blockquote":
		for _, line := range strings.Split(strings.TrimSpace(st.inlineText(sel)), "\n") {
			fmt.Fprintf(w, "> %s\n", line)
		}
		w.WriteString("\n")
	case "pre":
		fmt.Fprintf(w, "```\n%s\n```\n\n", strings.TrimRight(sel.Text(), "\n"))
	case "hr":
		w.WriteString("---\n\n")
	case "div", "section", "span", "body", "html", "head":
		sel.Contents().Each(func(_ int, child *goquery.Selection) {
			st.renderBlock(w, child)
		})
	case "ac:structured-macro":
		st.renderMacro(w, sel)
	case "ac:layout", "ac:layout-section", "ac:layout-cell", "ac:rich-text-body":
		sel.Contents().Each(func(_ int, child *goquery.Selection) {
			st.renderBlock(w, child)
		})
	case "ac:image":
		st.renderImage(w, sel)
		w.WriteString("\n\n")
	case "a", "ac:link":
		var b strings.Builder
		st.renderInline(&b, sel)
		w.WriteString(b.String())
		w.WriteString("\n\n")
	default:
		// Unknown blocks degrade to their inline rendering.
		text := st.inlineText(sel)
		if text != "" {
			w.WriteString(text)
			w.WriteString("\n\n")
		}
	}
}

// renderMacro maps the common macros: code blocks become fenced code,
// admonitions become blockquotes, everything else renders its rich body.
func (st *renderState) renderMacro(w *strings.Builder, sel *goquery.Selection) {
	name, _ := sel.Attr("ac:name")
	switch name {
	case "code":
		lang := ""
		sel.Find(`ac\:parameter`).Each(func(_ int, p *goquery.Selection) {
			if n, _ := p.Attr("ac:name"); n == "language" {
				lang = strings.TrimSpace(p.Text())
			}
		})
		code := strings.TrimRight(sel.Find(`ac\:plain-text-body`).Text(), "\n")
		fmt.Fprintf(w, "```%s\n%s\n```\n\n", lang, code)
	case "info", "note", "warning", "tip":
		body := strings.TrimSpace(st.inlineText(sel.Find(`ac\:rich-text-body`)))
		fmt.Fprintf(w, "> **%s:** %s\n\n", strings.ToUpper(name[:1])+name[1:], body)
	case "toc", "children", "list-children":
		// Structural macros carry no renderable content; discovery handles
		// their navigation semantics.
	default:
		body := sel.Find(`ac\:rich-text-body`)
		if body.Length() > 0 {
			body.Contents().Each(func(_ int, child *goquery.Selection) {
				st.renderBlock(w, child)
			})
		}
	}
}

func (st *renderState) renderList(w *strings.Builder, sel *goquery.Selection, ordered bool, depth int) {
	indent := strings.Repeat("  ", depth)
	i := 0
	sel.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
		i++
		marker := "-"
		if ordered {
			marker = fmt.Sprintf("%d.", i)
		}
		// Render the item's own text excluding nested lists.
		item := li.Clone()
		item.ChildrenFiltered("ul, ol").Remove()
		fmt.Fprintf(w, "%s%s %s\n", indent, marker, strings.TrimSpace(st.inlineText(item)))

		li.ChildrenFiltered("ul").Each(func(_ int, nested *goquery.Selection) {
			st.renderList(w, nested, false, depth+1)
		})
		li.ChildrenFiltered("ol").Each(func(_ int, nested *goquery.Selection) {
			st.renderList(w, nested, true, depth+1)
		})
	})
}

func (st *renderState) renderTable(w *strings.Builder, sel *goquery.Selection) {
	rows := sel.Find("tr")
	if rows.Length() == 0 {
		return
	}
	rows.Each(func(rowIdx int, row *goquery.Selection) {
		var cells []string
		isHeader := false
		row.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			if goquery.NodeName(cell) == "th" {
				isHeader = true
			}
			cells = append(cells, strings.ReplaceAll(strings.TrimSpace(st.inlineText(cell)), "|", `\|`))
		})
		fmt.Fprintf(w, "| %s |\n", strings.Join(cells, " | "))
		if rowIdx == 0 && isHeader {
			seps := make([]string, len(cells))
			for i := range seps {
				seps[i] = "---"
			}
			fmt.Fprintf(w, "| %s |\n", strings.Join(seps, " | "))
		}
	})
	w.WriteString("\n")
}

func (st *renderState) renderImage(w *strings.Builder, sel *goquery.Selection) {
	alt, _ := sel.Attr("ac:alt")
	if att := sel.Find(`ri\:attachment`); att.Length() > 0 {
		name, _ := att.Attr("ri:filename")
		st.noteAttachment(name)
		fmt.Fprintf(w, "![%s](attachments/%s/%s)", alt, st.pageID, name)
		return
	}
	if ext := sel.Find(`ri\:url`); ext.Length() > 0 {
		url, _ := ext.Attr("ri:value")
		fmt.Fprintf(w, "![%s](%s)", alt, url)
	}
}

// inlineText renders a selection's contents as inline markdown.
func (st *renderState) inlineText(sel *goquery.Selection) string {
	var b strings.Builder
	sel.Contents().Each(func(_ int, child *goquery.Selection) {
		st.renderInline(&b, child)
	})
	return strings.TrimSpace(b.String())
}

func (st *renderState) renderInline(w *strings.Builder, sel *goquery.Selection) {
	node := sel.Get(0)
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		w.WriteString(collapseSpace(node.Data))
		return
	}
	if node.Type != html.ElementNode {
		return
	}

	switch node.Data {
	case "strong", "b":
		fmt.Fprintf(w, "**%s**", st.inlineText(sel))
	case "em", "i":
		fmt.Fprintf(w, "*%s*", st.inlineText(sel))
	case "code":
		fmt.Fprintf(w, "`%s`", sel.Text())
	case "del", "s":
		fmt.Fprintf(w, "~~%s~~", st.inlineText(sel))
	case "br":
		w.WriteString("  \n")
	case "a":
		href, _ := sel.Attr("href")
		fmt.Fprintf(w, "[%s](%s)", st.inlineText(sel), href)
	case "ac:link":
		st.renderWikiLink(w, sel)
	case "ac:image":
		st.renderImage(w, sel)
	default:
		sel.Contents().Each(func(_ int, child *goquery.Selection) {
			st.renderInline(w, child)
		})
	}
}

// renderWikiLink renders <ac:link> elements. Page targets are rewritten to
// relative paths when the resolver knows them; user links degrade to plain
// mentions.
func (st *renderState) renderWikiLink(w *strings.Builder, sel *goquery.Selection) {
	label := strings.TrimSpace(sel.Find(`ac\:plain-text-link-body, ac\:link-body`).Text())

	if page := sel.Find(`ri\:page`); page.Length() > 0 {
		title, _ := page.Attr("ri:content-title")
		if label == "" {
			label = title
		}
		target := st.resolvePageTarget(title)
		fmt.Fprintf(w, "[%s](%s)", label, target)
		return
	}
	if user := sel.Find(`ri\:user`); user.Length() > 0 {
		name, _ := user.Attr("ri:username")
		if name == "" {
			name, _ = user.Attr("ri:userkey")
		}
		if label == "" {
			label = name
		}
		fmt.Fprintf(w, "@%s", label)
		return
	}
	if att := sel.Find(`ri\:attachment`); att.Length() > 0 {
		name, _ := att.Attr("ri:filename")
		st.noteAttachment(name)
		if label == "" {
			label = name
		}
		fmt.Fprintf(w, "[%s](attachments/%s/%s)", label, st.pageID, name)
		return
	}
	w.WriteString(label)
}

// resolvePageTarget prefers the resolver's relative path and falls back to
// an absolute wiki URL by title.
func (st *renderState) resolvePageTarget(title string) string {
	if st.opts.ResolveLink != nil {
		if path, ok := st.opts.ResolveLink(title); ok {
			st.noteLink(title)
			return path
		}
	}
	base := strings.TrimRight(st.opts.BaseURL, "/")
	return fmt.Sprintf("%s/display/%s/%s", base, st.opts.SpaceKey, strings.ReplaceAll(title, " ", "+"))
}

// collapseSpace folds runs of whitespace to single spaces while keeping one
// boundary space on either side so adjacent inline nodes do not fuse.
func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if isSpaceByte(s[0]) {
		out = " " + out
	}
	if isSpaceByte(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
