package diagram

import (
	"fmt"
	"strings"
)

func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusRunning:
		return "[RUN]"
	case StatusCancelled:
		return "[STOP]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as boxes, one row per level, followed
// by an indented listing of each subflow.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if node := index[id]; node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			fmt.Fprintf(&b, "\n--- %s subflow (%s) ---\n", node.ID, sg.Label)
			renderSubGraph(&b, sg, "  ")
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	contentLines := strings.Split(node.Label, "\n")
	if s := node.Status; s != nil {
		if tag := statusTag(s.Status); tag != "" {
			contentLines = append(contentLines, tag)
		}
		if s.Runs > 1 {
			contentLines = append(contentLines, fmt.Sprintf("x%d", s.Runs))
		}
		if s.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", s.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		lines = append(lines, "│ "+content+strings.Repeat(" ", maxLen-len(content))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}
	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}
	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func renderSubGraph(b *strings.Builder, sg *SubGraph, indent string) {
	for _, node := range sg.Nodes {
		tag := ""
		if node.Status != nil {
			tag = " " + statusTag(node.Status.Status)
		}
		fmt.Fprintf(b, "%s%s%s\n", indent, firstLine(node.Label), tag)
	}
	for _, edge := range sg.Edges {
		label := ""
		if edge.Label != "" {
			label = " [" + edge.Label + "]"
		}
		fmt.Fprintf(b, "%s%s ─→ %s%s\n", indent, edge.From, edge.To, label)
	}
	for _, node := range sg.Nodes {
		for _, child := range node.Children {
			fmt.Fprintf(b, "%s[%s subflow (%s)]\n", indent, node.ID, child.Label)
			renderSubGraph(b, child, indent+"  ")
		}
	}
}
