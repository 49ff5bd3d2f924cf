package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart. Subflows are
// drawn as subgraphs entered through dotted edges; overlay statuses become
// node classes with the run count and duration appended to the label.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		writeMermaidNode(&b, node, "    ")
	}
	for _, edge := range model.Edges {
		writeMermaidEdge(&b, edge, "    ")
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef cancelled fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	walkNodes(model.Nodes, func(n *Node) {
		if n.Status != nil && n.Status.Status != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(n.ID), n.Status.Status)
		}
	})
	return b.String()
}

func writeMermaidNode(b *strings.Builder, node *Node, indent string) {
	fmt.Fprintf(b, "%s%s\n", indent, mermaidNodeDef(node))
	for _, sg := range node.Children {
		fmt.Fprintf(b, "%ssubgraph %s[\"%s\"]\n", indent, mermaidSafeID("sub_"+node.ID), mermaidEscapeLabel(sg.Label))
		for _, sub := range sg.Nodes {
			writeMermaidNode(b, sub, indent+"    ")
		}
		for _, e := range sg.Edges {
			writeMermaidEdge(b, e, indent+"    ")
		}
		fmt.Fprintf(b, "%send\n", indent)
	}
}

func writeMermaidEdge(b *strings.Builder, edge Edge, indent string) {
	arrow := "-->"
	if edge.Subflow {
		arrow = "-.->"
	}
	label := ""
	if edge.Label != "" {
		label = fmt.Sprintf("|%s|", mermaidEscapeLabel(edge.Label))
	}
	fmt.Fprintf(b, "%s%s %s%s %s\n", indent, mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
}

// mermaidNodeDef returns a Mermaid node definition with the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(strings.ReplaceAll(node.Label, "\n", " "))
	if s := node.Status; s != nil && s.Runs > 0 {
		label += fmt.Sprintf("<br/>%dx %dms", s.Runs, s.DurationMs)
	}

	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{\"%s\"}", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((\"%s\"))", id, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", id, label)
	}
}

// mermaidSafeID maps an action id to a Mermaid identifier.
func mermaidSafeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

var mermaidLabelEscaper = strings.NewReplacer(`"`, "#quot;", "|", "#124;")

func mermaidEscapeLabel(s string) string {
	return mermaidLabelEscaper.Replace(s)
}

// walkNodes visits nodes depth first, subflows included.
func walkNodes(nodes []*Node, fn func(*Node)) {
	for _, n := range nodes {
		fn(n)
		for _, sg := range n.Children {
			walkNodes(sg.Nodes, fn)
		}
	}
}
