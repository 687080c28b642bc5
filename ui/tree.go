// Package ui holds the box-drawing primitives used by report rendering.
package ui

// Tree connectors built from box drawing characters.
const (
	TreeBranch     = "├── " // node with siblings below
	TreeLastBranch = "└── " // last node at its level
	TreeContinue   = "│   " // ancestor has siblings below
	TreeIndent     = "    " // ancestor was last at its level
)

// BuildTreePrefix generates the prefix for one tree row. depth counts from 1
// for a root; parentIsLast records, outermost first, whether each ancestor
// was the last among its siblings.
func BuildTreePrefix(depth int, isLast bool, parentIsLast []bool) string {
	if depth == 0 {
		return ""
	}

	var prefix string
	for i := 0; i < depth-1; i++ {
		if i < len(parentIsLast) && parentIsLast[i] {
			prefix += TreeIndent
		} else {
			prefix += TreeContinue
		}
	}
	if isLast {
		return prefix + TreeLastBranch
	}
	return prefix + TreeBranch
}
