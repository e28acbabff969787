package metadata

// prefixTrie indexes prefix validators by their registered prefix and answers
// "all registered prefixes that are a prefix of this key" queries without
// repeated substring scans.
type prefixTrie struct {
	root *trieNode
	size int
}

type trieNode struct {
	children  map[rune]*trieNode
	validator *Validator
}

func newPrefixTrie() *prefixTrie {
	return &prefixTrie{root: &trieNode{}}
}

// insert registers a validator under its prefix. Returns false when the
// prefix is already present.
func (t *prefixTrie) insert(prefix string, v *Validator) bool {
	node := t.root
	for _, r := range prefix {
		if node.children == nil {
			node.children = make(map[rune]*trieNode)
		}
		child, ok := node.children[r]
		if !ok {
			child = &trieNode{}
			node.children[r] = child
		}
		node = child
	}
	if node.validator != nil {
		return false
	}
	node.validator = v
	t.size++
	return true
}

// get returns the validator registered under exactly this prefix.
func (t *prefixTrie) get(prefix string) (*Validator, bool) {
	node := t.root
	for _, r := range prefix {
		child, ok := node.children[r]
		if !ok {
			return nil, false
		}
		node = child
	}
	if node.validator == nil {
		return nil, false
	}
	return node.validator, true
}

// ancestors returns every registered validator whose prefix is a prefix of
// key, ordered shortest prefix first.
func (t *prefixTrie) ancestors(key string) []*Validator {
	var out []*Validator
	node := t.root
	if node.validator != nil {
		out = append(out, node.validator)
	}
	for _, r := range key {
		child, ok := node.children[r]
		if !ok {
			return out
		}
		node = child
		if node.validator != nil {
			out = append(out, node.validator)
		}
	}
	return out
}

// walk visits every registered validator in depth-first order.
func (t *prefixTrie) walk(fn func(v *Validator)) {
	var visit func(n *trieNode)
	visit = func(n *trieNode) {
		if n.validator != nil {
			fn(n.validator)
		}
		for _, child := range n.children {
			visit(child)
		}
	}
	visit(t.root)
}
