package net

import (
	"fmt"
	"strings"
)

// Summary renders one row per master layer: name, kind, output shape
// (batch first) and parameter count, followed by the totals.
func (n *Net) Summary() string {
	var sb strings.Builder
	rule := strings.Repeat("-", 72) + "\n"

	fmt.Fprintf(&sb, "%-24s %-12s %-22s %10s\n", "Layer", "Kind", "Output", "Params")
	sb.WriteString(rule)
	for _, l := range n.layers {
		fmt.Fprintf(&sb, "%-24s %-12s %-22s %10d\n", l.Name(), l.Kind(), fmt.Sprint(l.Output().Shape()), l.NumParams())
	}
	sb.WriteString(rule)
	fmt.Fprintf(&sb, "Total params: %d\n", n.NumParams())
	if n.built {
		fmt.Fprintf(&sb, "Replicas: %d (batch %d)\n", len(n.replicas), n.batch)
	}
	return sb.String()
}
